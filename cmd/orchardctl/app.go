package main

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	urfave "github.com/urfave/cli/v2"
	"go.dedis.ch/orchard"
	"go.dedis.ch/orchard/core/shielded"
	"go.dedis.ch/orchard/core/shielded/syncstate"
	"golang.org/x/xerrors"
)

func newApp(out io.Writer) *urfave.App {
	accountFlag := &urfave.StringFlag{
		Name:     "account",
		Usage:    "identifier of the account",
		Required: true,
	}

	app := &urfave.App{
		Name:      "orchardctl",
		Usage:     "inspect and repair the Orchard state of a wallet",
		Writer:    out,
		ErrWriter: out,
		Flags: []urfave.Flag{
			&urfave.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "the path to a yaml config file",
			},
			&urfave.StringFlag{
				Name:  "engine",
				Usage: "database engine (bbolt, leveldb or memory), overwrites the config",
			},
			&urfave.StringFlag{
				Name:  "db",
				Usage: "path to the database, overwrites the config",
			},
			&urfave.BoolFlag{
				Name:  "metrics",
				Usage: "prints the metrics once the command is done",
			},
		},
		After: func(c *urfave.Context) error {
			if !c.Bool("metrics") {
				return nil
			}

			return dumpMetrics(out)
		},
		Commands: []*urfave.Command{
			{
				Name:  "account",
				Usage: "manage the accounts",
				Subcommands: []*urfave.Command{
					{
						Name:  "register",
						Usage: "register an account with its birthday",
						Flags: []urfave.Flag{
							accountFlag,
							&urfave.UintFlag{
								Name:     "birthday",
								Usage:    "height of the first block that may contain a note",
								Required: true,
							},
						},
						Action: withState(registerAction),
					},
					{
						Name:   "show",
						Usage:  "show the synchronization progress of an account",
						Flags:  []urfave.Flag{accountFlag},
						Action: withState(showAction),
					},
				},
			},
			{
				Name:   "notes",
				Usage:  "list the spendable notes",
				Flags:  []urfave.Flag{accountFlag},
				Action: withState(notesAction),
			},
			{
				Name:   "nullifiers",
				Usage:  "list the spends",
				Flags:  []urfave.Flag{accountFlag},
				Action: withState(nullifiersAction),
			},
			{
				Name:  "checkpoints",
				Usage: "list the checkpoints of the tree",
				Flags: []urfave.Flag{
					accountFlag,
					&urfave.IntFlag{
						Name:  "limit",
						Usage: "maximum number of checkpoints",
						Value: 100,
					},
				},
				Action: withState(checkpointsAction),
			},
			{
				Name:  "witness",
				Usage: "compute the witness of a note",
				Flags: []urfave.Flag{
					accountFlag,
					&urfave.Uint64Flag{
						Name:     "position",
						Usage:    "position of the note in the tree",
						Required: true,
					},
					&urfave.UintFlag{
						Name:     "checkpoint",
						Usage:    "checkpoint anchoring the witness",
						Required: true,
					},
				},
				Action: withState(witnessAction),
			},
			{
				Name:  "reorg",
				Usage: "rewind an account to a block",
				Flags: []urfave.Flag{
					accountFlag,
					&urfave.UintFlag{
						Name:     "height",
						Usage:    "height of the last valid block",
						Required: true,
					},
					&urfave.StringFlag{
						Name:     "hash",
						Usage:    "hash of the last valid block",
						Required: true,
					},
				},
				Action: withState(reorgAction),
			},
			{
				Name:  "truncate",
				Usage: "truncate the tree of an account to a checkpoint",
				Flags: []urfave.Flag{
					accountFlag,
					&urfave.UintFlag{
						Name:     "checkpoint",
						Usage:    "identifier of the checkpoint",
						Required: true,
					},
				},
				Action: withState(truncateAction),
			},
			{
				Name:   "reset",
				Usage:  "remove the synchronization state of an account",
				Flags:  []urfave.Flag{accountFlag},
				Action: withState(resetAction),
			},
		},
	}

	return app
}

// loadConfig returns the configuration from the file, if any, and the global
// flags.
func loadConfig(c *urfave.Context) (syncstate.Config, error) {
	var cfg syncstate.Config

	path := c.String("config")
	if path != "" {
		var err error

		cfg, err = syncstate.LoadConfig(path)
		if err != nil {
			return cfg, err
		}
	}

	if c.String("engine") != "" {
		cfg.Database.Engine = c.String("engine")
	}

	if c.String("db") != "" {
		cfg.Database.Path = c.String("db")
	}

	return cfg, nil
}

type stateAction func(c *urfave.Context, state *syncstate.SyncState, out io.Writer) error

// withState opens the synchronization state before the action and closes it
// afterwards.
func withState(action stateAction) urfave.ActionFunc {
	return func(c *urfave.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return xerrors.Errorf("failed to load config: %w", err)
		}

		state, err := syncstate.Open(cfg)
		if err != nil {
			return xerrors.Errorf("failed to open: %w", err)
		}

		err = action(c, state, c.App.Writer)

		closeErr := state.Close()
		if err == nil && closeErr != nil {
			err = closeErr
		}

		return err
	}
}

func account(c *urfave.Context) shielded.AccountID {
	return shielded.AccountID(c.String("account"))
}

func registerAction(c *urfave.Context, state *syncstate.SyncState, out io.Writer) error {
	meta, err := state.RegisterAccount(account(c), uint32(c.Uint("birthday")))
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "account %s registered with birthday %d\n", account(c), meta.Birthday)

	return nil
}

func showAction(c *urfave.Context, state *syncstate.SyncState, out io.Writer) error {
	meta, err := state.GetAccountMeta(account(c))
	if err != nil {
		return err
	}

	if meta == nil {
		return xerrors.Errorf("account %s is not registered", account(c))
	}

	size, err := state.TreeSize(account(c))
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "birthday: %d\n", meta.Birthday)

	if meta.LatestScanned != nil {
		fmt.Fprintf(out, "last scanned: %d (%s)\n", meta.LatestScanned.Height, meta.LatestScanned.Hash)
	} else {
		fmt.Fprintln(out, "last scanned: none")
	}

	fmt.Fprintf(out, "tree size: %d\n", size)

	return nil
}

func notesAction(c *urfave.Context, state *syncstate.SyncState, out io.Writer) error {
	notes, err := state.GetSpendableNotes(account(c))
	if err != nil {
		return err
	}

	for _, note := range notes {
		fmt.Fprintf(out, "position=%d height=%d amount=%d nullifier=%v\n",
			note.Position, note.BlockHeight, note.Amount, note.Nullifier)
	}

	return nil
}

func nullifiersAction(c *urfave.Context, state *syncstate.SyncState, out io.Writer) error {
	spends, err := state.GetNullifiers(account(c))
	if err != nil {
		return err
	}

	for _, spend := range spends {
		fmt.Fprintf(out, "height=%d nullifier=%v\n", spend.BlockHeight, spend.Nullifier)
	}

	return nil
}

func checkpointsAction(c *urfave.Context, state *syncstate.SyncState, out io.Writer) error {
	checkpoints, err := state.GetCheckpoints(account(c), c.Int("limit"))
	if err != nil {
		return err
	}

	for _, cp := range checkpoints {
		fmt.Fprintf(out, "id=%d size=%d marks_removed=%v\n", cp.ID, cp.TreeSize, cp.MarksRemoved)
	}

	return nil
}

func witnessAction(c *urfave.Context, state *syncstate.SyncState, out io.Writer) error {
	position := c.Uint64("position")
	checkpoint := uint32(c.Uint("checkpoint"))

	notes, err := state.GetSpendableNotes(account(c))
	if err != nil {
		return err
	}

	var selected []shielded.Note
	for _, note := range notes {
		if note.Position == position {
			selected = append(selected, note)
		}
	}

	if len(selected) == 0 {
		return xerrors.Errorf("no spendable note at position %d", position)
	}

	witnesses, err := state.CalculateWitnessForCheckpoint(account(c), selected, checkpoint)
	if err != nil {
		return err
	}

	root, err := state.RootAtCheckpoint(account(c), checkpoint)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "anchor: %s\n", hex.EncodeToString(root[:]))

	for level, sibling := range witnesses[0].Path.AuthPath {
		fmt.Fprintf(out, "%2d: %s\n", level, hex.EncodeToString(sibling[:]))
	}

	return nil
}

func reorgAction(c *urfave.Context, state *syncstate.SyncState, out io.Writer) error {
	height := uint32(c.Uint("height"))

	err := state.HandleChainReorg(account(c), height, c.String("hash"))
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "account %s rewound to %d\n", account(c), height)

	return nil
}

func truncateAction(c *urfave.Context, state *syncstate.SyncState, out io.Writer) error {
	checkpoint := uint32(c.Uint("checkpoint"))

	found, err := state.Truncate(account(c), checkpoint)
	if err != nil {
		return err
	}

	if !found {
		return xerrors.Errorf("checkpoint %d not found", checkpoint)
	}

	fmt.Fprintf(out, "tree truncated to checkpoint %d\n", checkpoint)

	return nil
}

func resetAction(c *urfave.Context, state *syncstate.SyncState, out io.Writer) error {
	err := state.ResetAccountSyncState(account(c))
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "account %s reset\n", account(c))

	return nil
}

// dumpMetrics prints the collectors of the packages in the text format.
func dumpMetrics(out io.Writer) error {
	registry := prometheus.NewRegistry()

	for _, c := range orchard.PromCollectors {
		err := registry.Register(c)
		if err != nil {
			return xerrors.Errorf("failed to register collector: %v", err)
		}
	}

	families, err := registry.Gather()
	if err != nil {
		return xerrors.Errorf("failed to gather metrics: %v", err)
	}

	for _, family := range families {
		_, err = expfmt.MetricFamilyToText(out, family)
		if err != nil {
			return xerrors.Errorf("failed to write metrics: %v", err)
		}
	}

	return nil
}
