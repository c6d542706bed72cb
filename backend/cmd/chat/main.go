// Command chat is a terminal client for the relay. Messages are encrypted
// with the room secret before they leave the process.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/adwski/socket-chat/backend/model"
	"github.com/adwski/socket-chat/backend/session"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const timeLayout = "15:04:05"

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("chat", pflag.ContinueOnError)

	var (
		relayURL     = fs.StringP("url", "u", "ws://localhost:3000", "relay websocket url")
		roomID       = fs.StringP("room", "r", "", "room id, generated when empty")
		userID       = fs.String("user", "", "user id, generated when empty")
		secret       = fs.StringP("secret", "s", "", "room secret, generated when empty")
		invite       = fs.StringP("invite", "i", "", "invite link, overrides room and secret")
		inviteOrigin = fs.String("invite-origin", "http://localhost:3000", "origin used to print the invite link")
		name         = fs.StringP("name", "n", "", "display name announced after connect")
		logLevel     = fs.StringP("log-level", "l", "warn", "log level")
		dump         = fs.Bool("dump", false, "dump every decoded event")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	if *invite != "" {
		*roomID, *secret, err = session.ParseInvite(*invite)
		if err != nil {
			logger.Fatal().Err(err).Msg("cannot use invite link")
		}
	}
	if *roomID == "" {
		*roomID = model.NewID()
	}
	if *userID == "" {
		*userID = model.NewID()
	}
	if !model.ValidSecret(*secret) {
		*secret = model.NewSecret()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	conn, err := session.Dial(ctx, session.DialConfig{
		Logger: &logger,
		URL:    *relayURL,
		RoomID: *roomID,
		UserID: *userID,
		Secret: *secret,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect")
	}
	defer func() {
		_ = conn.Close()
	}()

	out := os.Stdout
	_, _ = fmt.Fprintf(out, "invite: %s\n", session.InviteLink(*inviteOrigin, *roomID, *secret))

	go func() {
		defer cancel()
		if rErr := conn.Run(ctx, func(ev session.Event) {
			if *dump {
				logger.Info().Msg(spew.Sdump(ev))
			}
			printEvent(out, conn, ev)
		}); rErr != nil && ctx.Err() == nil {
			logger.Error().Err(rErr).Msg("connection lost")
		}
	}()

	if *name != "" {
		send(&logger, func() (bool, error) { return conn.SendNameUpdate(*name) })
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			handleLine(&logger, out, conn, *inviteOrigin, line)
		}
	}
}

func handleLine(logger *zerolog.Logger, out io.Writer, conn *session.Conn, origin, line string) {
	switch {
	case strings.TrimSpace(line) == "":
	case strings.HasPrefix(line, "/name "):
		newName := strings.TrimPrefix(line, "/name ")
		send(logger, func() (bool, error) { return conn.SendNameUpdate(newName) })
	case line == "/who":
		names := conn.Names()
		ids := make([]string, 0, len(names))
		for id := range names {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			_, _ = fmt.Fprintf(out, "  %s %s\n", model.ShortID(id), names[id])
		}
	case line == "/invite":
		_, _ = fmt.Fprintln(out, session.InviteLink(origin, conn.RoomID(), conn.Secret()))
	default:
		send(logger, func() (bool, error) { return conn.SendText(line) })
	}
}

func send(logger *zerolog.Logger, fn func() (bool, error)) {
	sent, err := fn()
	switch {
	case err != nil:
		logger.Error().Err(err).Msg("send failed")
	case !sent:
		logger.Warn().Msg("message dropped")
	}
}

func printEvent(out io.Writer, conn *session.Conn, ev session.Event) {
	ts := ev.Timestamp.Local().Format(timeLayout)
	switch ev.Kind {
	case session.EventText:
		_, _ = fmt.Fprintf(out, "[%s] %s: %s\n", ts, conn.DisplayName(ev.SenderID), ev.Text)
	default:
		_, _ = fmt.Fprintf(out, "[%s] * %s\n", ts, ev.Text)
	}
}
