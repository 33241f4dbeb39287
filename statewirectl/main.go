package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/statewire/statewire"
)

const StatewireCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)

	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.CommandLine.Parse([]string{})
}

func main() {
	usage := `Statewire control.

Runs a demo primary with counter actions (increment, decrement, set),
or connects to one as a replica.

Usage:
    statewirectl primary --listen=<listen> [--state=<state>]
    statewirectl watch --url=<url> [--timeout=<timeout>]
    statewirectl dispatch --url=<url> --action=<action>
        [--timeout=<timeout>] [<arg>...]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --listen=<listen>      Address to listen on, e.g. 127.0.0.1:7070.
    --url=<url>            Primary url, e.g. ws://127.0.0.1:7070.
    --state=<state>        Initial state as a JSON object.
    --timeout=<timeout>    Seconds to wait for the initialize push [default: 10].
    --action=<action>      Action name to dispatch.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], StatewireCtlVersion)
	if err != nil {
		panic(err)
	}

	if primary_, _ := opts.Bool("primary"); primary_ {
		primary(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if dispatch_, _ := opts.Bool("dispatch"); dispatch_ {
		dispatch(opts)
	}
}

func primary(opts docopt.Opts) {
	listen, _ := opts.String("--listen")

	initialState := statewire.State{"count": float64(0)}
	if stateJson, err := opts.String("--state"); err == nil && stateJson != "" {
		initialState = statewire.State{}
		if err := json.Unmarshal([]byte(stateJson), &initialState); err != nil {
			Err.Fatalf("Bad --state: %s", err)
		}
	}

	actions := statewire.ActionTable{
		"increment": func(state statewire.State, args ...any) statewire.State {
			count, _ := state["count"].(float64)
			return statewire.State{"count": count + 1}
		},
		"decrement": func(state statewire.State, args ...any) statewire.State {
			count, _ := state["count"].(float64)
			return statewire.State{"count": count - 1}
		},
		"set": func(state statewire.State, args ...any) statewire.State {
			if len(args) < 2 {
				return nil
			}
			key, ok := args[0].(string)
			if !ok {
				return nil
			}
			return statewire.State{key: args[1]}
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener := statewire.NewWsListenerWithDefaults(ctx)
	defer listener.Close()

	store := statewire.NewMemoryStore(initialState)
	primaryStore := statewire.NewPrimary(store, actions, listener)
	defer primaryStore.Close()

	primaryStore.Subscribe(func(state statewire.State) {
		stateJson, _ := json.Marshal(state)
		Out.Printf("%s", stateJson)
	})

	server := &http.Server{
		Addr:    listen,
		Handler: listener,
	}
	go func() {
		Out.Printf("listening on %s", listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			Err.Fatalf("%s", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	server.Shutdown(ctx)
}

func watch(opts docopt.Opts) {
	url, _ := opts.String("--url")
	timeout := optTimeout(opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connector := statewire.NewWsConnectorWithDefaults(ctx, url)
	store := statewire.NewMemoryStore(nil)

	future, err := statewire.NewReplica(store, connector)
	if err != nil {
		Err.Fatalf("%s", err)
	}

	awaitCtx, awaitCancel := context.WithTimeout(ctx, timeout)
	defer awaitCancel()
	replicaStore, err := future.Await(awaitCtx)
	if err != nil {
		Err.Fatalf("No initialize push: %s", err)
	}
	defer replicaStore.Close()

	printState := func(state statewire.State) {
		stateJson, _ := json.Marshal(state)
		Out.Printf("%s", stateJson)
	}
	printState(replicaStore.GetState())
	unsubscribe := replicaStore.Subscribe(printState)
	defer unsubscribe()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
}

func dispatch(opts docopt.Opts) {
	url, _ := opts.String("--url")
	action, _ := opts.String("--action")
	timeout := optTimeout(opts)

	args := []any{}
	if rawArgs, ok := opts["<arg>"].([]string); ok {
		for _, rawArg := range rawArgs {
			// args are JSON values; bare words pass through as strings
			var arg any
			if err := json.Unmarshal([]byte(rawArg), &arg); err != nil {
				arg = rawArg
			}
			args = append(args, arg)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	connector := statewire.NewWsConnectorWithDefaults(ctx, url)
	store := statewire.NewMemoryStore(nil)

	future, err := statewire.NewReplica(store, connector)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	replicaStore, err := future.Await(ctx)
	if err != nil {
		Err.Fatalf("No initialize push: %s", err)
	}
	defer replicaStore.Close()

	replicaStore.Dispatch(action, args...)

	// dispatch is fire and forget. Wait one broadcast turn so the frame
	// flushes before the connection drops, then print the last state.
	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
	}
	stateJson, _ := json.Marshal(replicaStore.GetState())
	Out.Printf("%s", stateJson)
}

func optTimeout(opts docopt.Opts) time.Duration {
	timeoutSeconds, err := opts.Int("--timeout")
	if err != nil {
		timeoutSeconds = 10
	}
	return time.Duration(timeoutSeconds) * time.Second
}
