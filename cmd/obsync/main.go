// Command obsync is an interactive client: it connects to an obsync server
// and turns lines of the form
//
//	COPY|TAKE <peer address> <hex object id> [<hex object id> ...]
//
// into SYNC requests, printing one outcome per line.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/obstack/obsync/client"
	"github.com/obstack/obsync/oid"
	"github.com/obstack/obsync/wire"
)

func main() {
	var address string
	flag.StringVar(&address, "address", "127.0.0.1:2021", "address of the obsync server")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cl, err := client.Connect(&client.Config{Address: address, Logger: logger})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer cl.Close()
	fmt.Printf("connected to %s\n", address)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		pr, err := parseRequest(line)
		if err != nil {
			color.Red("> %v", err)
			continue
		}

		start := time.Now()
		outs, err := cl.Sync(context.Background(), []wire.PeerRequest{pr})
		if err != nil {
			color.Red("> %v", err)
			continue
		}
		for _, out := range outs {
			if out.OK() {
				color.Green("> %s: transferred %d object(s), deleted=%v", out.Status, out.Transferred, out.Deleted)
			} else {
				color.Red("> %s", out.Status)
			}
		}
		fmt.Printf("> completed in %d ms\n", time.Since(start).Milliseconds())
	}
}

func parseRequest(line string) (wire.PeerRequest, error) {
	tokens := strings.Fields(line)
	if len(tokens) < 3 {
		return wire.PeerRequest{}, fmt.Errorf("invalid request; must be [COPY|TAKE] [peer address] [object id list]")
	}

	var kind wire.Kind
	switch strings.ToUpper(tokens[0]) {
	case "COPY":
		kind = wire.KindCopy
	case "TAKE":
		kind = wire.KindTake
	default:
		return wire.PeerRequest{}, fmt.Errorf("requests must start with either COPY or TAKE")
	}

	addr, err := netip.ParseAddrPort(tokens[1])
	if err != nil {
		return wire.PeerRequest{}, fmt.Errorf("peer address %q is invalid: %w", tokens[1], err)
	}

	ids := make([]oid.ID, 0, len(tokens)-2)
	for _, token := range tokens[2:] {
		id, err := oid.FromHex(token)
		if err != nil {
			return wire.PeerRequest{}, err
		}
		ids = append(ids, id)
	}

	return wire.PeerRequest{Kind: kind, Addr: addr, IDs: ids}, nil
}
