// roverctl is a small operator client for a running roverd: it lists
// capabilities, invokes single component methods, and watches
// telemetry channels.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/roverlink/roverlink/internal/logging"
	"github.com/roverlink/roverlink/internal/rpc"
	"github.com/roverlink/roverlink/internal/wire"
)

const callTimeout = 30 * time.Second

func main() {
	addr := flag.String("addr", "ws://localhost:7000", "roverd rpc address")
	flag.Parse()

	logging.ConfigureRuntime()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := rpc.Dial(ctx, *addr)
	if err != nil {
		fatal(err)
	}
	defer client.Close()

	switch args[0] {
	case "caps":
		err = listCaps(ctx, client)
	case "call":
		if len(args) < 3 {
			usage()
			os.Exit(2)
		}
		err = callMethod(ctx, client, args[1], args[2], args[3:])
	case "watch":
		if len(args) != 2 {
			usage()
			os.Exit(2)
		}
		err = watch(ctx, client, args[1])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fatal(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: roverctl [-addr ws://host:port] <command>

commands:
  caps                                    list capability names
  call <capability> <method> [args...]    acquire, invoke once, release
  watch <channel>                         print a channel until interrupted`)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "roverctl: %v\n", err)
	os.Exit(1)
}

func listCaps(ctx context.Context, client *rpc.Client) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	names, err := client.Root().Call(ctx, "init")
	if err != nil {
		return err
	}
	return printResult(names)
}

// callMethod holds the capability only for the duration of one
// invocation.
func callMethod(ctx context.Context, client *rpc.Client, capability, method string, raw []string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	res, err := client.Root().Call(ctx, "acquire", capability)
	if err != nil {
		return err
	}
	proxy, ok := res.(*rpc.Proxy)
	if !ok {
		return fmt.Errorf("acquire %s returned no interface", capability)
	}
	defer proxy.Call(ctx, "release")

	args := make([]any, len(raw))
	for i, s := range raw {
		args[i] = coerce(s)
	}
	out, err := proxy.Call(ctx, method, args...)
	if err != nil {
		return err
	}
	return printResult(out)
}

func watch(ctx context.Context, client *rpc.Client, channel string) error {
	err := client.Subscribe(ctx, channel, func(payload wire.RawMessage) {
		var v any
		if err := wire.Unmarshal(payload, &v); err != nil {
			fmt.Fprintf(os.Stderr, "roverctl: bad payload: %v\n", err)
			return
		}
		printResult(v)
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	return client.Unsubscribe(context.Background(), channel)
}

// coerce guesses the wire type of a command line argument: integer,
// then bool, then float, falling back to string. Integers go first
// because ParseBool also claims "0" and "1".
func coerce(s string) any {
	if n, err := strconv.ParseInt(s, 0, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func printResult(v any) error {
	if v == nil {
		fmt.Println("ok")
		return nil
	}
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("unprintable result: %w", err)
	}
	fmt.Println(string(buf))
	return nil
}
