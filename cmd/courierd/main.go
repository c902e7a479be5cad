package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/sparkline/courier/internal/daemon"
	"github.com/sparkline/courier/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if !session.ValidSessionName(sessionName) {
		fmt.Fprintf(os.Stderr, "error: invalid session name %q\n", sessionName)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{SessionName: sessionName}),
	)

	app.Run()
}
