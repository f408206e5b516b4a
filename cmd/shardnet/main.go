// shardnet is the node daemon and operator tool of the section network.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/nikkolasg/hexjson"
	"github.com/urfave/cli/v2"

	"github.com/shardnet/shardnet/crypto"
	"github.com/shardnet/shardnet/join"
	"github.com/shardnet/shardnet/key"
	"github.com/shardnet/shardnet/log"
	"github.com/shardnet/shardnet/membership"
	membdb "github.com/shardnet/shardnet/membership/boltdb"
	"github.com/shardnet/shardnet/node"
	"github.com/shardnet/shardnet/section"
	sectdb "github.com/shardnet/shardnet/section/boltdb"
	"github.com/shardnet/shardnet/transport"
	"github.com/shardnet/shardnet/wire"
	"github.com/shardnet/shardnet/xorname"

	"github.com/jonboulle/clockwork"
)

func main() {
	app := &cli.App{
		Name:  "shardnet",
		Usage: "run a node of the section network",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "folder",
				Value: defaultFolder(),
				Usage: "folder holding keys and databases",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "keygen",
				Usage:     "generate the long-term node keys",
				ArgsUsage: "<address>",
				Action:    keygenCmd,
			},
			{
				Name:  "start",
				Usage: "start the node; bootstraps a new network when no state exists",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "metrics",
						Usage: "address to expose metrics on",
					},
				},
				Action: startCmd,
			},
			{
				Name:      "join",
				Usage:     "join an existing network through the given contacts",
				ArgsUsage: "<name@address> [...]",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "timeout",
						Value: node.DefaultJoinTimeout,
						Usage: "bound on the whole join attempt",
					},
					&cli.StringFlag{
						Name:     "genesis",
						Usage:    "hex genesis key of the network to join",
						Required: true,
					},
				},
				Action: joinCmd,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultFolder() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".shardnet"
	}
	return home + "/.shardnet"
}

func logger(c *cli.Context) log.Logger {
	level := log.InfoLevel
	if c.Bool("verbose") {
		level = log.DebugLevel
	}
	return log.New(nil, level, false)
}

func keygenCmd(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("keygen expects the node address as its only argument")
	}
	addr := c.Args().First()
	pair, err := key.NewKeyPair(addr)
	if err != nil {
		return err
	}
	store, err := key.NewFileStore(c.String("folder"), crypto.NewBLSScheme())
	if err != nil {
		return err
	}
	if err := store.SaveKeyPair(pair); err != nil {
		return err
	}
	fmt.Printf("generated identity %s for %s\n", pair.Name().Hex(), addr)
	return nil
}

func startCmd(c *cli.Context) error {
	l := logger(c)
	folder := c.String("folder")
	sch := crypto.NewBLSScheme()

	store, err := key.NewFileStore(folder, sch)
	if err != nil {
		return err
	}
	pair, err := store.LoadKeyPair()
	if err != nil {
		return fmt.Errorf("no node keys found, run keygen first: %w", err)
	}

	mstore, err := membdb.NewBoltStore(l, folder, nil)
	if err != nil {
		return err
	}
	defer mstore.Close()
	tstore, err := sectdb.NewBoltStore(l, folder, nil)
	if err != nil {
		return err
	}
	defer tstore.Close()

	// no persisted tree means this node starts its own network
	tree, lerr := tstore.Load(sch)
	if lerr != nil {
		l.Infow("no stored network state, bootstrapping a new network")
		newTree, mlog, sap, share, err := node.BootstrapNetwork(l, pair, time.Second, mstore)
		if err != nil {
			return err
		}
		if err := tstore.Save(newTree); err != nil {
			return err
		}
		return runNode(c, l, pair, newTree, mlog, sap, share, tstore)
	}

	mlog, err := membership.LoadLog(sch, mstore)
	if err != nil {
		return err
	}
	sap, err := tree.SectionByName(pair.Name())
	if err != nil {
		return err
	}
	return runNode(c, l, pair, tree, mlog, sap, nil, tstore)
}

func runNode(c *cli.Context, l log.Logger, pair *key.Pair, tree *section.SectionTree,
	mlog *membership.Log, sap *section.SignedSAP, share *key.Share, tstore *sectdb.BoltStore) error {
	var n *node.Node

	tcp := transport.NewTCP(l, func(remote string, m *wire.WireMsg) {
		n.Enqueue(node.HandleMsg{
			Sender: node.Peer{Name: m.Src, Addr: remote},
			Msg:    m,
		})
	})

	cfg := node.NewConfig(
		node.WithFolder(c.String("folder")),
		node.WithLogger(l),
		node.WithTransport(tcp),
		node.WithTreeStore(tstore),
		node.WithMetricsAddress(c.String("metrics")),
	)
	var err error
	n, err = node.New(cfg, pair, tree, mlog, sap)
	if err != nil {
		return err
	}
	if share != nil {
		n.SetShare(share)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := tcp.Listen(ctx, pair.Public.Addr); err != nil {
			l.Errorw("listener stopped", "err", err)
			cancel()
		}
	}()

	l.Infow("node running", "name", pair.Name().Hex(), "addr", pair.Public.Addr)
	err = n.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

func joinCmd(c *cli.Context) error {
	l := logger(c)
	folder := c.String("folder")
	sch := crypto.NewBLSScheme()

	store, err := key.NewFileStore(folder, sch)
	if err != nil {
		return err
	}
	pair, err := store.LoadKeyPair()
	if err != nil {
		return fmt.Errorf("no node keys found, run keygen first: %w", err)
	}

	genesis, err := parseHex(c.String("genesis"))
	if err != nil {
		return fmt.Errorf("invalid genesis key: %w", err)
	}
	contacts, err := parseContacts(c.Args().Slice())
	if err != nil {
		return err
	}

	incoming := make(chan *wire.WireMsg, 64)
	tcp := transport.NewTCP(l, func(_ string, m *wire.WireMsg) {
		select {
		case incoming <- m:
		default:
			l.Warnw("dropping inbound message, join queue full")
		}
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go func() {
		if err := tcp.Listen(ctx, pair.Public.Addr); err != nil {
			l.Errorw("listener stopped", "err", err)
		}
	}()

	joiner := join.NewJoiner(l, sch, clockwork.NewRealClock(), pair, genesis, tcp.Send, incoming)
	knowledge, err := joiner.Run(ctx, contacts, c.Duration("timeout"))
	if err != nil {
		return err
	}

	// the join may have recalibrated the keys; persist the final identity
	if err := store.SaveKeyPair(knowledge.Pair); err != nil {
		return err
	}
	tstore, err := sectdb.NewBoltStore(l, folder, nil)
	if err != nil {
		return err
	}
	defer tstore.Close()
	if err := tstore.Save(knowledge.Tree); err != nil {
		return err
	}

	out, _ := json.Marshal(map[string]interface{}{
		"prefix":     knowledge.Prefix.String(),
		"name":       knowledge.Pair.Name().Hex(),
		"generation": knowledge.SAP.SAP.Generation,
	})
	fmt.Println(string(out))
	return nil
}

func parseContacts(args []string) ([]join.Contact, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("at least one contact of the form name@address is required")
	}
	out := make([]join.Contact, 0, len(args))
	for _, a := range args {
		parts := strings.SplitN(a, "@", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid contact %q, want name@address", a)
		}
		name, err := xorname.NameFromHex(parts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid contact name in %q: %w", a, err)
		}
		out = append(out, join.Contact{Name: name, Addr: parts[1]})
	}
	return out, nil
}

func parseHex(s string) ([]byte, error) {
	var out []byte
	_, err := fmt.Sscanf(s, "%x", &out)
	return out, err
}
