// Command participant is the hole-punching client.
//
// The participant registers with an introducer, lists the other sessions and
// opens direct TCP connections to them by simultaneous open from its
// rendezvous port.
//
// Flags override values from the optional -config YAML file.
package main

import (
	"context"
	"errors"
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
	"github.com/1ureka/holepunch/internal/participant"
	"github.com/1ureka/holepunch/internal/protocol"
	"github.com/1ureka/holepunch/internal/punch"
	"github.com/1ureka/holepunch/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	configPath := flag.String("config", "", "YAML config file")
	server := flag.String("server", "", "Introducer address host:port (default 127.0.0.1:9999)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.LoadParticipant(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if *server != "" {
		cfg.Server = *server
	}
	cfg.Debug = cfg.Debug || *debugMode
	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}
	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Participant v%s", version))
	pterm.Println()

	p := participant.New(participant.Options{
		ServerAddr:     cfg.Server,
		ConnectTimeout: cfg.ConnectTimeout,
		ReconnectDelay: cfg.ReconnectDelay,
	})
	p.OnNotice(func(text string) { pterm.Info.Println(text) })
	p.OnPeerMessage(func(id int64, m protocol.Message) {
		if echo, ok := m.(*protocol.P2PEcho); ok && echo.Echo {
			pterm.Info.Println(fmt.Sprintf("peer %d echoed %s", id, echo.Text))
		}
	})

	if err := p.Connect(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	defer p.Close()

	util.StartStatsReporter(ctx, clock.New(), "peers")

	quit := make(chan struct{})
	go func() {
		runMenu(ctx, p)
		close(quit)
	}()

	select {
	case <-ctx.Done():
	case <-quit:
	}
	util.LogInfo("participant shut down")
}

// ---------------------------------------------------------------------------
// Menu
// ---------------------------------------------------------------------------

const (
	menuPeers      = "List peers"
	menuConnect    = "Hole punch to a peer"
	menuSend       = "Send a random message to a peer"
	menuDisconnect = "Disconnect a peer"
	menuDropAll    = "Disconnect all peers"
	menuEcho       = "Echo a random message through the introducer"
	menuRefresh    = "Refresh my endpoints"
	menuLeave      = "Disconnect from the introducer"
	menuRejoin     = "Reconnect to the introducer"
	menuQuit       = "Quit"
)

// runMenu loops on the menu until Quit is chosen.
func runMenu(ctx context.Context, p *participant.Participant) {
	for {
		link := menuLeave
		if !p.IsConnected() {
			link = menuRejoin
		}
		choice, err := pterm.DefaultInteractiveSelect.
			WithOptions([]string{menuPeers, menuConnect, menuSend, menuDisconnect, menuDropAll, menuEcho, menuRefresh, link, menuQuit}).
			WithDefaultText(header(p)).
			Show()
		if err != nil || choice == menuQuit {
			return
		}

		switch choice {
		case menuPeers:
			printPeers(p.ListPeers())
		case menuConnect:
			report(p.ConnectToPeer(askID("Peer id")))
		case menuSend:
			report(p.SendToPeer(askID("Peer id"), uuid.NewString()))
		case menuDisconnect:
			report(p.DisconnectPeer(askID("Peer id")))
		case menuDropAll:
			p.DisconnectAll()
		case menuEcho:
			report(p.Echo(uuid.NewString()))
		case menuRefresh:
			report(p.RefreshInfo())
		case menuLeave:
			report(p.Leave())
		case menuRejoin:
			report(p.Connect(ctx))
		}
		pterm.Println()
	}
}

func header(p *participant.Participant) string {
	id := "pending"
	if n := p.ID(); n > 0 {
		id = strconv.FormatInt(n, 10)
	}
	link := "introducer down"
	if p.IsConnected() {
		link = "introducer up"
	}
	return fmt.Sprintf("id %s, %s, private %s, public %s", id, link, p.PrivateEndpoint(), p.PublicEndpoint())
}

func report(err error) {
	switch {
	case err == nil:
	case errors.Is(err, participant.ErrUnknownPeer):
		util.LogWarning("no such peer")
	case errors.Is(err, participant.ErrPeerNotConnected):
		util.LogWarning("peer not connected yet")
	case errors.Is(err, participant.ErrPeerConnected):
		util.LogWarning("already connected")
	default:
		util.LogWarning("%v", err)
	}
}

func printPeers(peers []punch.Summary) {
	if len(peers) == 0 {
		util.LogWarning("no other participants")
		return
	}

	data := pterm.TableData{{"ID", "Private", "Public", "State", "Via"}}
	for _, s := range peers {
		state := "idle"
		switch {
		case s.Connected:
			state = "connected"
		case s.Punching:
			state = "punching"
		}
		via := ""
		if s.Connected {
			via = s.Slot.String()
		}
		data = append(data, []string{strconv.FormatInt(s.ID, 10), s.PrivateEndpoint, s.PublicEndpoint, state, via})
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
