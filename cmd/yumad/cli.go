package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/luukkk/subtensor/core"
	"github.com/luukkk/subtensor/core/config"
	"github.com/luukkk/subtensor/core/neuron"
)

// handleCLICommands runs an inspection or maintenance subcommand against a
// stopped node's data directory and exits. With no known subcommand it
// returns and the daemon starts.
func handleCLICommands() {
	if len(os.Args) < 2 {
		return
	}

	var err error
	switch os.Args[1] {
	case "neuron":
		err = handleNeuronCommand(os.Args[2:])
	case "registers":
		err = handleRegistersCommand(os.Args[2:])
	case "reset-bonds":
		err = handleResetBondsCommand(os.Args[2:])
	case "register":
		err = handleRegisterCommand(os.Args[2:])
	case "set-weights":
		err = handleSetWeightsCommand(os.Args[2:])
	case "add-stake":
		err = handleAddStakeCommand(os.Args[2:])
	case "prune":
		err = handlePruneCommand(os.Args[2:])
	case "help":
		printHelp()
	default:
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		fmt.Fprintln(os.Stderr, "The data directory is locked while a node is running; stop it first.")
		os.Exit(1)
	}
	os.Exit(0)
}

// withChain opens the chain in dataDir for a single command.
func withChain(dataDir, configPath string, fn func(*core.Chain) error) error {
	params := config.Default()
	if configPath != "" {
		var err error
		if params, err = config.Load(configPath); err != nil {
			return err
		}
	}
	store, err := core.OpenBadgerStore(dataDir)
	if err != nil {
		return fmt.Errorf("open %s: %w", dataDir, err)
	}
	defer store.Close()

	chain, err := core.NewChain(params, store, zap.NewNop())
	if err != nil {
		return err
	}
	return fn(chain)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func commonFlags(name string) (*flag.FlagSet, *string, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	dataDir := fs.String("data-dir", "data", "Data directory containing the chain state")
	configPath := fs.String("config", "", "TOML parameter file")
	return fs, dataDir, configPath
}

func handleNeuronCommand(args []string) error {
	fs, dataDir, configPath := commonFlags("neuron")
	uid := fs.Uint("uid", 0, "Participant uid")
	fs.Parse(args)

	return withChain(*dataDir, *configPath, func(c *core.Chain) error {
		n, err := c.Neuron(uint32(*uid))
		if err != nil {
			return fmt.Errorf("uid %d: %w", *uid, err)
		}
		return printJSON(n)
	})
}

func handleRegistersCommand(args []string) error {
	fs, dataDir, configPath := commonFlags("registers")
	fs.Parse(args)

	return withChain(*dataDir, *configPath, func(c *core.Chain) error {
		regs, err := c.Registers()
		if err != nil {
			return err
		}
		return printJSON(regs)
	})
}

func handleResetBondsCommand(args []string) error {
	fs, dataDir, configPath := commonFlags("reset-bonds")
	fs.Parse(args)

	return withChain(*dataDir, *configPath, func(c *core.Chain) error {
		if err := c.ResetBonds(); err != nil {
			return err
		}
		fmt.Println("bonds cleared")
		return nil
	})
}

func handleRegisterCommand(args []string) error {
	fs, dataDir, configPath := commonFlags("register")
	stake := fs.Uint64("stake", 0, "Initial stake")
	fs.Parse(args)

	return withChain(*dataDir, *configPath, func(c *core.Chain) error {
		uid, err := c.Register(&neuron.Neuron{Stake: *stake})
		if err != nil {
			return err
		}
		fmt.Printf("registered uid %d\n", uid)
		return nil
	})
}

func handleSetWeightsCommand(args []string) error {
	fs, dataDir, configPath := commonFlags("set-weights")
	uid := fs.Uint("uid", 0, "Participant uid")
	list := fs.String("weights", "", "Comma separated uid:value pairs, value in [0, 4294967295]")
	block := fs.Uint64("block", 0, "Block the weights are set at (0 = next block)")
	fs.Parse(args)

	weights, err := parseWeights(*list)
	if err != nil {
		return err
	}
	return withChain(*dataDir, *configPath, func(c *core.Chain) error {
		at := *block
		if at == 0 {
			regs, err := c.Registers()
			if err != nil {
				return err
			}
			at = regs.LastMechanismStepBlock + 1
		}
		return c.SetWeights(uint32(*uid), weights, at)
	})
}

func parseWeights(list string) ([]neuron.Weight, error) {
	if list == "" {
		return nil, nil
	}
	var out []neuron.Weight
	for _, pair := range strings.Split(list, ",") {
		target, value, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok {
			return nil, fmt.Errorf("weight %q: want uid:value", pair)
		}
		uid, err := strconv.ParseUint(target, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("weight %q: %w", pair, err)
		}
		v, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("weight %q: %w", pair, err)
		}
		out = append(out, neuron.Weight{UID: uint32(uid), Value: uint32(v)})
	}
	return out, nil
}

func handleAddStakeCommand(args []string) error {
	fs, dataDir, configPath := commonFlags("add-stake")
	uid := fs.Uint("uid", 0, "Participant uid")
	amount := fs.Uint64("amount", 0, "Stake to add")
	fs.Parse(args)

	return withChain(*dataDir, *configPath, func(c *core.Chain) error {
		return c.AddStake(uint32(*uid), *amount)
	})
}

func handlePruneCommand(args []string) error {
	fs, dataDir, configPath := commonFlags("prune")
	uid := fs.Uint("uid", 0, "Participant uid")
	fs.Parse(args)

	return withChain(*dataDir, *configPath, func(c *core.Chain) error {
		return c.SchedulePrune(uint32(*uid))
	})
}

func printHelp() {
	fmt.Println("yumad - Yuma consensus node")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  yumad [flags]                    - Run as daemon")
	fmt.Println("  yumad neuron -uid=<n>            - Print a participant")
	fmt.Println("  yumad registers                  - Print the chain registers")
	fmt.Println("  yumad reset-bonds                - Clear every bond")
	fmt.Println("  yumad register -stake=<n>        - Register a participant")
	fmt.Println("  yumad set-weights -uid=<n> -weights=<uid:value,...>")
	fmt.Println("  yumad add-stake -uid=<n> -amount=<n>")
	fmt.Println("  yumad prune -uid=<n>             - Schedule a participant for pruning")
	fmt.Println("  yumad help                       - Show this help")
	fmt.Println()
	fmt.Println("Subcommands accept -data-dir=<path> and -config=<file>.")
	fmt.Println()
	fmt.Println("Daemon Flags:")
	fmt.Println("  -config=<file>                   - TOML parameter file")
	fmt.Println("  -data-dir=<path>                 - Data directory")
	fmt.Println("  -emission=<n>                    - Tokens emitted per block")
	fmt.Println("  -block-time=<duration>           - Interval between blocks")
	fmt.Println("  -p2p-port=<port>                 - P2P listen port")
	fmt.Println("  -peer-multiaddr=<addr>           - Peer to connect to")
	fmt.Println("  -metrics-addr=<addr>             - Prometheus listen address")
	fmt.Println("  -workers=<n>                     - Edge scan workers")
}
