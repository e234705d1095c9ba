package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"chatrelay/internal/client"
	"chatrelay/internal/service/session"
)

const defaultServer = "http://localhost:8090"

func main() {
	_ = godotenv.Load()

	server := os.Getenv("CHATRELAY_SERVER")
	if server == "" {
		server = defaultServer
	}

	ctx := context.Background()
	ctrl := client.NewController(client.New(server))
	if err := ctrl.Refresh(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "chatcli: cannot reach server:", err)
		os.Exit(1)
	}
	if ctrl.ActiveID() == "" {
		if _, err := ctrl.NewSession(ctx, ""); err != nil {
			fmt.Fprintln(os.Stderr, "chatcli:", err)
			os.Exit(1)
		}
	}

	fmt.Printf("connected to %s\n", server)
	printHelp()
	printSessions(ctrl)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := runCommand(ctx, ctrl, line); quit {
				return
			}
			continue
		}
		send(ctx, ctrl, line)
	}
}

func runCommand(ctx context.Context, ctrl *client.Controller, line string) (quit bool) {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	var err error
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		printHelp()
	case "/list":
		err = ctrl.Refresh(ctx)
		printSessions(ctrl)
	case "/new":
		_, err = ctrl.NewSession(ctx, arg)
	case "/select":
		var n int
		if n, err = strconv.Atoi(arg); err != nil || n < 1 || n > len(ctrl.Sessions()) {
			fmt.Println("usage: /select <number from /list>")
			return false
		}
		if err = ctrl.Select(ctx, ctrl.Sessions()[n-1].ID); err == nil {
			printHistory(ctrl)
		}
	case "/rename":
		if arg == "" {
			fmt.Println("usage: /rename <new title>")
			return false
		}
		err = ctrl.Rename(ctx, ctrl.ActiveID(), arg)
	case "/delete":
		err = ctrl.Remove(ctx, ctrl.ActiveID())
		printSessions(ctrl)
	case "/export":
		format := arg
		if format == "" {
			format = session.FormatMarkdown
		}
		err = export(ctx, ctrl, format)
	default:
		fmt.Println("unknown command, /help lists commands")
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "chatcli:", err)
	}
	return false
}

func send(ctx context.Context, ctrl *client.Controller, content string) {
	if ctrl.ActiveID() == "" {
		if _, err := ctrl.NewSession(ctx, ""); err != nil {
			fmt.Fprintln(os.Stderr, "chatcli:", err)
			return
		}
	}
	err := ctrl.SendStream(ctx, content, func(fragment string) {
		fmt.Print(fragment)
	})
	fmt.Println()
	if err != nil {
		fmt.Fprintln(os.Stderr, "chatcli:", err)
	}
}

func export(ctx context.Context, ctrl *client.Controller, format string) error {
	dump, err := ctrl.Export(ctx, format)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dump.Filename, []byte(dump.Content), 0o644); err != nil {
		return err
	}
	fmt.Println("exported to", dump.Filename)
	return nil
}

func printSessions(ctrl *client.Controller) {
	sessions := ctrl.Sessions()
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return
	}
	for i, s := range sessions {
		marker := " "
		if s.ID == ctrl.ActiveID() {
			marker = "*"
		}
		fmt.Printf("%s %2d. %s (%d messages)\n", marker, i+1, s.Title, s.MessageCount)
	}
}

func printHistory(ctrl *client.Controller) {
	for _, m := range ctrl.Messages() {
		fmt.Printf("[%s] %s\n", m.Role, m.Content)
	}
}

func printHelp() {
	fmt.Println(`commands:
  /list            refresh and show sessions
  /select <n>      switch to session n
  /new [title]     create a session
  /rename <title>  rename the active session
  /delete          delete the active session
  /export [fmt]    export the active session (json or markdown)
  /quit            exit
anything else is sent as a chat message`)
}
