// Command svcbus-probe is a small CLI that resolves and connects to a
// named service through a manager.Manager, reporting its status.
// Grounded on singchia-geminio's examples/chatroom/client/main.go for the
// flag-driven setup, and on kbirk-scg's cmd/scg-go/main.go for the
// fatih/color status reporting.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/jumboframes/armorigo/log"

	"github.com/noriabus/svcbus/manager"
	"github.com/noriabus/svcbus/status"
)

func main() {
	name := flag.String("name", "", "service name to resolve and connect to")
	endpoint := flag.String("endpoint", "", "literal address:port to connect to, bypassing the locator")
	version := flag.Uint64("version", 1, "protocol version required of the service")
	locator := flag.String("locator", "[::]:10053", "locator address:port")
	timeout := flag.Duration("timeout", 5*time.Second, "connect timeout")
	level := flag.String("level", "info", "trace, debug, info, warn, error")
	flag.Parse()

	lvl, err := log.ParseLevel(*level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse log level: %s\n", err)
		os.Exit(1)
	}
	log.SetLevel(lvl)

	if *name == "" && *endpoint == "" {
		fmt.Fprintln(os.Stderr, "one of -name or -endpoint is required")
		os.Exit(1)
	}

	locatorEp, err := parseEndpoint(*locator)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad -locator: %s\n", err)
		os.Exit(1)
	}

	red := color.New(color.FgRed, color.Bold).SprintFunc()
	green := color.New(color.FgGreen, color.Bold).SprintFunc()
	yellow := color.New(color.FgYellow, color.Bold).SprintFunc()

	m := manager.New(manager.WithLocatorEndpoints(locatorEp))
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *endpoint != "" {
		ep, err := parseEndpoint(*endpoint)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad -endpoint: %s\n", err)
			os.Exit(1)
		}
		c, err := m.GetByEndpoint(ctx, ep, *version)
		if err != nil {
			fmt.Printf("%s connect to %s failed: %s\n", red("FAIL"), ep, err)
			os.Exit(1)
		}
		report(c.Status(), ep.String(), green, yellow)
		return
	}

	c, err := m.GetByName(ctx, *name, *version)
	if err != nil {
		fmt.Printf("%s resolve+connect to %s failed: %s\n", red("FAIL"), *name, err)
		os.Exit(1)
	}
	report(c.Status(), *name, green, yellow)
}

func report(st status.Status, target string, green, yellow func(a ...interface{}) string) {
	switch st {
	case status.Connected:
		fmt.Printf("%s %s is %s\n", green("OK"), target, st)
	default:
		fmt.Printf("%s %s is %s\n", yellow("WARN"), target, st)
	}
}

func parseEndpoint(s string) (status.Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return status.Endpoint{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return status.Endpoint{}, fmt.Errorf("bad port %q: %w", portStr, err)
	}
	return status.Endpoint{Address: host, Port: uint16(port)}, nil
}
