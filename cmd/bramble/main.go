package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/bramble/pkg/branch"
	"github.com/go-go-golems/bramble/pkg/events"
	"github.com/go-go-golems/bramble/pkg/generation"
	"github.com/go-go-golems/bramble/pkg/inference"
	"github.com/go-go-golems/bramble/pkg/memory"
	"github.com/go-go-golems/bramble/pkg/persist"
)

var (
	logLevel string
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "bramble",
	Short: "Branching conversation engine",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(logLevel)
		if err != nil {
			return errors.Wrapf(err, "invalid log level %s", logLevel)
		}
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level)
		return nil
	},
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a scripted branching conversation against a mock engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		snapshotPath, _ := cmd.Flags().GetString("snapshot")
		return runDemo(cmd.Context(), snapshotPath)
	},
}

var showCmd = &cobra.Command{
	Use:   "show <snapshot.json>",
	Short: "Print the branch tree of a saved snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runShow(args[0])
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "zerolog level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "verbose event router logging")
	demoCmd.Flags().String("snapshot", "", "write the final tree to this file")
	rootCmd.AddCommand(demoCmd, showCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDemo(ctx context.Context, snapshotPath string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	routerOptions := []events.EventRouterOption{}
	if verbose {
		routerOptions = append(routerOptions, events.WithVerbose(true))
	}
	router, err := events.NewEventRouter(routerOptions...)
	if err != nil {
		return errors.Wrap(err, "failed to create event router")
	}
	defer func() {
		_ = router.Close()
	}()

	manager := events.NewPublisherManager()
	manager.SubscribePublisher("chat", router.Publisher)
	sink := inference.NewPublisherManagerSink(manager)

	registry := branch.NewRegistry(branch.WithChangeHook(50*time.Millisecond, func(nodes []*branch.Node, edges []branch.Edge) {
		// layout/persistence collaborators subscribe to these on the bus
		manager.PublishBlind(events.NewInfoEvent(events.NewMetadata("", "", ""), "tree changed", map[string]interface{}{
			"nodes": len(nodes),
			"edges": len(edges),
		}))
	}))
	controller := generation.NewController(registry,
		generation.WithSink(sink),
		generation.WithMemoryNotifier(&memory.LogNotifier{}),
	)
	engine := branch.NewEngine(registry,
		branch.WithSink(inference.NewWatermillSink(router.Publisher, "chat")),
		branch.WithMemoryNotifier(&memory.LogNotifier{}),
		branch.WithStreamMirrorer(controller),
	)

	mock := inference.NewMockEngine(
		inference.WithReply("model-a", "The quick brown fox jumps over the lazy dog."),
		inference.WithReply("model-b", "Pack my box with five dozen liquor jugs."),
		inference.WithChunkDelay(20*time.Millisecond),
	)

	router.AddHandler("printer", "chat", printEvent)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return router.Run(ctx)
	})
	eg.Go(func() error {
		defer cancel()

		select {
		case <-router.Running():
		case <-ctx.Done():
			return ctx.Err()
		}

		return runScenario(ctx, registry, engine, controller, mock, snapshotPath)
	})

	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runScenario walks through the core flows: generate on main, branch off the
// reply, continue inside the branch, fan a multi-model question out into one
// branch per model.
func runScenario(
	ctx context.Context,
	registry *branch.Registry,
	engine branch.Manager,
	controller *generation.Controller,
	mock *inference.MockEngine,
	snapshotPath string,
) error {
	if _, err := engine.AddUserMessage(branch.RootNodeID, "Tell me a pangram."); err != nil {
		return err
	}
	if err := controller.Generate(ctx, mock, branch.RootNodeID, []string{"model-a"}); err != nil {
		return err
	}

	root, _ := registry.Get(branch.RootNodeID)
	msgs := root.Messages()
	reply := msgs[len(msgs)-1]

	created, err := engine.CreateBranch(branch.RootNodeID, reply.ID, false)
	if err != nil {
		return err
	}
	branchID := created[0].ID
	log.Info().Str("branch_id", branchID.String()).Msg("branched off the reply")

	if _, err := engine.AddUserMessage(branchID, "Another one, please."); err != nil {
		return err
	}
	if err := controller.Generate(ctx, mock, branchID, []string{"model-b"}); err != nil {
		return err
	}

	// multi-model fan-out: ask once, get one branch per model
	node, _ := registry.Get(branchID)
	node.SelectedModels = []string{"model-a", "model-b"}
	node.MultiModelMode = true
	question, err := engine.AddUserMessage(branchID, "Compare yourselves.")
	if err != nil {
		return err
	}
	fanned, err := engine.CreateBranch(branchID, question.ID, true)
	if err != nil {
		return err
	}
	for _, fan := range fanned {
		if _, err := controller.Adopt(ctx, fan.ID); err != nil {
			return err
		}
		for _, msg := range fan.StreamingMessages() {
			controller.ApplyChunk(fan.ID, msg.ID, "I am "+msg.ModelID+".")
			if err := controller.Finalize(fan.ID, msg.ID, msg.StreamingText); err != nil {
				return err
			}
		}
	}

	printTree(registry)

	if snapshotPath != "" {
		snapshot := persist.Export(registry)
		if err := snapshot.SaveToFile(snapshotPath); err != nil {
			return errors.Wrap(err, "failed to save snapshot")
		}
		log.Info().Str("path", snapshotPath).Msg("snapshot written")
	}

	return nil
}

func runShow(path string) error {
	snapshot, err := persist.LoadFromFile(path)
	if err != nil {
		return errors.Wrap(err, "failed to load snapshot")
	}
	printTree(persist.Restore(snapshot))
	return nil
}

func printTree(registry *branch.Registry) {
	var walk func(id branch.NodeID, indent string)
	walk = func(id branch.NodeID, indent string) {
		node, ok := registry.Get(id)
		if !ok {
			return
		}
		fmt.Printf("%s%s (%d messages)\n", indent, node.ID, len(node.Messages()))
		for _, msg := range node.BranchMessages {
			fmt.Printf("%s  %s\n", indent, msg.View())
		}
		for _, childID := range registry.ChildrenOf(id) {
			walk(childID, indent+"    ")
		}
	}
	walk(branch.RootNodeID, "")
}

func printEvent(msg *message.Message) error {
	defer msg.Ack()

	event, err := events.NewEventFromJson(msg.Payload)
	if err != nil {
		return err
	}

	switch e := event.(type) {
	case *events.EventPartialCompletion:
		fmt.Print(e.Delta)
	case *events.EventFinal:
		fmt.Println()
	case *events.EventInterrupt:
		fmt.Printf("\n[interrupted: %s]\n", e.Text)
	case *events.EventError:
		fmt.Printf("\n[error: %s]\n", e.ErrorString)
	case *events.EventBranchCreated:
		fmt.Printf("[branch %s created from %s]\n", e.BranchID, e.ParentBranchID)
	case *events.EventBranchExists:
		fmt.Printf("[branch %s already exists]\n", e.ExistingBranchID)
	}

	return nil
}
