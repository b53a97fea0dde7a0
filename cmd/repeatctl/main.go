package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/loqalabs/loqa-repeat/internal/compare"
	"github.com/loqalabs/loqa-repeat/internal/config"
	"github.com/loqalabs/loqa-repeat/internal/protocol"
	"github.com/loqalabs/loqa-repeat/internal/questions"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

var commands = map[string]string{
	"generate": protocol.SubjectCommandGenerate,
	"record":   protocol.SubjectCommandRecord,
	"play":     protocol.SubjectCommandPlay,
	"level":    protocol.SubjectCommandLevel,
	"state":    protocol.SubjectCommandState,
	"reload":   protocol.SubjectCommandReload,
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'import', 'list', 'compare', 'send' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "import":
		err = runImport(os.Args[2:])
	case "list":
		err = runList(os.Args[2:])
	case "compare":
		err = runCompare(os.Args[2:])
	case "send":
		err = runSend(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openStore(path string) (*questions.Store, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return questions.Open(context.Background(), config.QuestionsConfig{Path: path}, logger)
}

func runImport(args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	file := fs.String("file", "questions.yaml", "Path to question bank YAML")
	db := fs.String("db", config.Default().Questions.Path, "Path to question database")
	fs.Parse(args)

	qs, err := questions.LoadBankFile(*file)
	if err != nil {
		return err
	}
	store, err := openStore(*db)
	if err != nil {
		return err
	}
	defer store.Close()
	n, err := store.Import(context.Background(), qs)
	if err != nil {
		return err
	}
	fmt.Printf("imported %d questions\n", n)
	return nil
}

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	db := fs.String("db", config.Default().Questions.Path, "Path to question database")
	level := fs.String("level", "beginner", "Level to list")
	fs.Parse(args)

	l, err := questions.ParseLevel(*level)
	if err != nil {
		return err
	}
	store, err := openStore(*db)
	if err != nil {
		return err
	}
	defer store.Close()
	qs, err := store.List(context.Background(), l)
	if err != nil {
		return err
	}
	for _, q := range qs {
		fmt.Printf("%d\t%s\t%s\n", q.ID, q.English, q.Japanese)
	}
	return nil
}

func runCompare(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: repeatctl compare <reference> <hypothesis>")
	}
	fmt.Printf("reference:  %q\nhypothesis: %q\ncorrect:    %t\n",
		compare.Normalize(args[0]), compare.Normalize(args[1]), compare.Compare(args[0], args[1]))
	return nil
}

func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	server := fs.String("server", nats.DefaultURL, "NATS server URL")
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) == 0 {
		return fmt.Errorf("usage: repeatctl send [flags] <generate|record|play|level|state|reload> [level]")
	}
	subject, ok := commands[rest[0]]
	if !ok {
		return fmt.Errorf("unknown command %q", rest[0])
	}
	var req protocol.CommandRequest
	if rest[0] == "level" {
		if len(rest) < 2 {
			return fmt.Errorf("level requires an argument")
		}
		req.Level = rest[1]
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	conn, err := nats.Connect(*server, nats.Name("repeatctl"), nats.Timeout(*timeout))
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer conn.Close()

	msg, err := conn.Request(subject, data, *timeout)
	if err != nil {
		return err
	}
	var reply protocol.CommandReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return err
	}
	if len(reply.State) > 0 {
		fmt.Println(string(reply.State))
	}
	if !reply.OK {
		return fmt.Errorf("command failed: %s", reply.Error)
	}
	return nil
}
