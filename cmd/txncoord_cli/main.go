package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	coordinatorservice "github.com/sushant-115/gojodb-txncoord/api/coordinator_service"
	"github.com/sushant-115/gojodb-txncoord/core/transaction"
)

const clientTimeout = 60 * time.Second

var (
	addr        = flag.String("addr", "localhost:8080", "HTTP address of a coordinator node")
	historyFile = flag.String("history", "/tmp/txncoord_cli.history", "Readline history file")
)

var errExit = errors.New("exit")

// shell keeps the session used by commands given "." as session id.
type shell struct {
	client  *coordinatorservice.Client
	out     io.Writer
	session transaction.SessionID
	nextTxn transaction.TxnNumber
}

func (s *shell) parseTxn(args []string) (coordinatorservice.TxnRequest, error) {
	if len(args) < 2 {
		return coordinatorservice.TxnRequest{}, errors.New("requires <lsid|.> <txnNumber>")
	}
	var req coordinatorservice.TxnRequest
	if args[0] == "." {
		if s.session == (transaction.SessionID{}) {
			return req, errors.New("no current session, run 'begin' first")
		}
		req.SessionID = s.session
	} else {
		sid, err := transaction.ParseSessionID(args[0])
		if err != nil {
			return req, err
		}
		req.SessionID = sid
	}
	txn, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return req, fmt.Errorf("invalid txnNumber %q: %w", args[1], err)
	}
	req.TxnNumber = transaction.TxnNumber(txn)
	return req, nil
}

func parseParticipants(arg string) []transaction.ParticipantID {
	var ids []transaction.ParticipantID
	for _, id := range strings.Split(arg, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, transaction.ParticipantID(id))
		}
	}
	return ids
}

func (s *shell) printJSON(v any) {
	enc := json.NewEncoder(s.out)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func (s *shell) processCommand(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return nil
	}
	command, rest := strings.ToLower(args[0]), args[1:]

	switch command {
	case "begin":
		s.session = transaction.NewSessionID()
		s.nextTxn = 1
		fmt.Fprintf(s.out, "session %s\n", s.session)
	case "create":
		if len(rest) == 0 && s.session != (transaction.SessionID{}) {
			rest = []string{".", strconv.FormatInt(int64(s.nextTxn), 10)}
			s.nextTxn++
		}
		req, err := s.parseTxn(rest)
		if err != nil {
			return fmt.Errorf("create %w", err)
		}
		if err := s.client.Create(ctx, req); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "created %s:%d\n", req.SessionID, req.TxnNumber)
	case "commit":
		if len(rest) < 3 {
			return errors.New("commit requires <lsid|.> <txnNumber> <participant,participant,...>")
		}
		req, err := s.parseTxn(rest)
		if err != nil {
			return fmt.Errorf("commit %w", err)
		}
		req.Participants = parseParticipants(rest[2])
		decision, err := s.client.Commit(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, decision)
	case "recover":
		req, err := s.parseTxn(rest)
		if err != nil {
			return fmt.Errorf("recover %w", err)
		}
		decision, err := s.client.Recover(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, decision)
	case "cancel":
		req, err := s.parseTxn(rest)
		if err != nil {
			return fmt.Errorf("cancel %w", err)
		}
		if err := s.client.Cancel(ctx, req); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "OK")
	case "list":
		reports, err := s.client.Coordinators(ctx, len(rest) > 0 && rest[0] == "idle")
		if err != nil {
			return err
		}
		s.printJSON(reports)
	case "status":
		status, err := s.client.Status(ctx)
		if err != nil {
			return err
		}
		s.printJSON(status)
	case "admin":
		if len(rest) == 0 {
			return errors.New("admin requires a sub-command")
		}
		switch strings.ToLower(rest[0]) {
		case "join":
			if len(rest) < 3 {
				return errors.New("admin join requires <nodeId> <raftAddr>")
			}
			if err := s.client.Join(ctx, rest[1], rest[2]); err != nil {
				return err
			}
		case "remove":
			if len(rest) < 2 {
				return errors.New("admin remove requires <nodeId>")
			}
			if err := s.client.RemovePeer(ctx, rest[1]); err != nil {
				return err
			}
		default:
			return errors.New("unknown admin sub-command, supported: join, remove")
		}
		fmt.Fprintln(s.out, "OK")
	case "help":
		fmt.Fprintln(s.out, "Commands:")
		fmt.Fprintln(s.out, "  begin                                  start a new session")
		fmt.Fprintln(s.out, "  create [<lsid|.> <txnNumber>]          register a coordinator")
		fmt.Fprintln(s.out, "  commit <lsid|.> <txnNumber> <p1,p2>    coordinate commit across participants")
		fmt.Fprintln(s.out, "  recover <lsid|.> <txnNumber>           join or cancel a coordinator")
		fmt.Fprintln(s.out, "  cancel <lsid|.> <txnNumber>            cancel if commit has not started")
		fmt.Fprintln(s.out, "  list [idle]                            show coordinators")
		fmt.Fprintln(s.out, "  status")
		fmt.Fprintln(s.out, "  admin join <nodeId> <raftAddr>")
		fmt.Fprintln(s.out, "  admin remove <nodeId>")
		fmt.Fprintln(s.out, "  exit / quit")
	case "exit", "quit":
		return errExit
	default:
		return fmt.Errorf("unknown command %q, type 'help' for a list of commands", command)
	}
	return nil
}

func main() {
	flag.Parse()
	log.SetFlags(0)

	s := &shell{
		client: coordinatorservice.NewClient(*addr, &http.Client{Timeout: clientTimeout}),
		out:    os.Stdout,
	}

	if args := flag.Args(); len(args) > 0 {
		if err := s.processCommand(context.Background(), args); err != nil && !errors.Is(err, errExit) {
			log.Fatalf("Error: %v", err)
		}
		return
	}

	l, err := readline.NewEx(&readline.Config{
		Prompt:            "txncoord> ",
		HistoryFile:       *historyFile,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer l.Close()

	fmt.Printf("txncoord CLI connected to %s. Type 'help' for commands, 'exit' or 'quit' to leave.\n", *addr)
	for {
		line, err := l.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return
			}
			continue
		}
		err = s.processCommand(context.Background(), strings.Fields(line))
		if errors.Is(err, errExit) {
			return
		}
		if err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
}
