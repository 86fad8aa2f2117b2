// Command introducer is the rendezvous server.
//
// Participants connect here to get a session id, learn each other's public
// and private endpoints and be told when to start punching. The operator
// menu lists sessions and sends notices; -headless skips it.
//
// Flags override values from the optional -config YAML file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pterm/pterm"

	"github.com/1ureka/holepunch/internal/config"
	"github.com/1ureka/holepunch/internal/introducer"
	"github.com/1ureka/holepunch/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	configPath := flag.String("config", "", "YAML config file")
	port := flag.Int("port", 0, "TCP port to listen on, 1~65535 (default 9999)")
	feedAddr := flag.String("feed", "", "Address for the websocket session feed, e.g. 127.0.0.1:8080")
	headless := flag.Bool("headless", false, "Run without the interactive menu")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	jsonLogs := flag.Bool("json", false, "Log JSON lines instead of colored text")
	flag.Parse()

	if *jsonLogs {
		util.UseJSON()
	}

	cfg, err := config.LoadIntroducer(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *feedAddr != "" {
		cfg.FeedAddr = *feedAddr
	}
	cfg.Debug = cfg.Debug || *debugMode
	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}
	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Introducer v%s", version))
	pterm.Println()

	srv := introducer.New(introducer.Options{
		Addr:         cfg.Addr(),
		ReapInterval: cfg.ReapInterval,
		GraceWindow:  cfg.GraceWindow,
	})
	if err := srv.Start(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	var feed *introducer.Feed
	if cfg.FeedAddr != "" {
		feed = introducer.NewFeed(srv)
		if _, err := feed.Start(cfg.FeedAddr); err != nil {
			util.LogError("%v", err)
			srv.Close()
			os.Exit(1)
		}
	}

	util.StartStatsReporter(ctx, clock.New(), "sessions")

	quit := make(chan struct{})
	if !*headless {
		go func() {
			runMenu(srv)
			close(quit)
		}()
	}

	select {
	case <-ctx.Done():
	case <-quit:
	}

	if feed != nil {
		feed.Close()
	}
	if err := srv.Close(); err != nil {
		util.LogError("introducer stopped: %v", err)
		os.Exit(1)
	}
	util.LogInfo("introducer shut down")
}

// ---------------------------------------------------------------------------
// Operator menu
// ---------------------------------------------------------------------------

const (
	menuList      = "List sessions"
	menuBroadcast = "Broadcast a random message"
	menuSend      = "Send a random message to a session"
	menuKick      = "Kick a session"
	menuQuit      = "Quit"
)

// runMenu loops on the operator menu until Quit is chosen.
func runMenu(srv *introducer.Server) {
	for {
		choice, err := pterm.DefaultInteractiveSelect.
			WithOptions([]string{menuList, menuBroadcast, menuSend, menuKick, menuQuit}).
			WithDefaultText("Introducer").
			Show()
		if err != nil || choice == menuQuit {
			return
		}

		switch choice {
		case menuList:
			printSessions(srv.Sessions())

		case menuBroadcast:
			text := uuid.NewString()
			srv.Broadcast(text)
			util.LogInfo("broadcast %s", text)

		case menuSend:
			id := askID("Session id")
			text := uuid.NewString()
			if err := srv.SendTo(id, text); err != nil {
				util.LogWarning("%v", err)
			} else {
				util.LogInfo("sent %s to session %d", text, id)
			}

		case menuKick:
			if err := srv.Kick(askID("Session id")); err != nil {
				util.LogWarning("%v", err)
			}
		}
		pterm.Println()
	}
}

func printSessions(sessions []introducer.SessionSummary) {
	if len(sessions) == 0 {
		util.LogWarning("no sessions registered")
		return
	}

	data := pterm.TableData{{"ID", "Private", "Public", "Link", "Punching", "Peers"}}
	for _, s := range sessions {
		link := "down"
		if s.Connected {
			link = "up"
		}
		data = append(data, []string{
			strconv.FormatInt(s.ID, 10),
			s.PrivateEndpoint,
			s.PublicEndpoint,
			link,
			strconv.FormatBool(s.HolePunching),
			fmt.Sprint(s.ConnectedPeers),
		})
	}
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// askID prompts until a positive id is entered.
func askID(prompt string) int64 {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err == nil && id > 0 {
			pterm.Println()
			return id
		}

		util.LogWarning("invalid id: must be a positive number")
		pterm.Println()
	}
}
