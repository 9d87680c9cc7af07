package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	natspkg "github.com/brojonat/solenrich/service/nats"
	"github.com/itchyny/gojq"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

// subscribeCommand streams enriched transactions straight from JetStream.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:  "subscribe",
		Usage: "Subscribe to enriched transaction events",
		Description: `Subscribe to enriched transactions published to NATS JetStream.

Events are published to the subject: enriched.{TYPE}.{fee_payer}
Omitted filters match any type or fee payer.

Example:
  solenrich nats subscribe --type SWAP --json
  solenrich nats subscribe --fee-payer 3x9az88Dkbxa6tkKByxqEn7jBTJCJCD4dVvou49L24ET`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "type",
				Aliases: []string{"t"},
				Usage:   "Only events of this transaction type",
			},
			&cli.StringFlag{
				Name:    "fee-payer",
				Aliases: []string{"p"},
				Usage:   "Only events paid for by this address",
			},
			&cli.StringSliceFlag{
				Name:  "must-jq",
				Usage: "jq filter that must evaluate to true for an event to be shown (repeatable)",
			},
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "solenrich-cli",
			},
		},
		Action: func(c *cli.Context) error {
			filters, err := compileFilters(c.StringSlice("must-jq"))
			if err != nil {
				return err
			}

			subject := natspkg.FilterSubject(c.String("type"), c.String("fee-payer"))
			consumerConfig := jetstream.ConsumerConfig{
				FilterSubject: subject,
				AckPolicy:     jetstream.AckExplicitPolicy,
				DeliverPolicy: jetstream.DeliverNewPolicy,
			}
			if c.Bool("durable") {
				consumerConfig.Durable = c.String("consumer-name")
				consumerConfig.Name = c.String("consumer-name")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return streamEvents(ctx, c.String("nats-url"), consumerConfig, filters, c.Bool("json"))
		},
	}
}

func compileFilters(exprs []string) ([]*gojq.Code, error) {
	filters := make([]*gojq.Code, len(exprs))
	for i, expr := range exprs {
		code, err := compileJQ(expr)
		if err != nil {
			return nil, err
		}
		filters[i] = code
	}
	return filters, nil
}

// streamEvents consumes enriched events until ctx is done.
func streamEvents(ctx context.Context, natsURL string, consumerConfig jetstream.ConsumerConfig, filters []*gojq.Code, jsonOutput bool) error {
	nc, err := natspkg.Connect(natsURL, "solenrich-cli")
	if err != nil {
		return err
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if !jsonOutput {
		fmt.Printf("📡 Subscribing to: %s\n", consumerConfig.FilterSubject)
		fmt.Printf("   NATS: %s\n", natsURL)
		if consumerConfig.Durable != "" {
			fmt.Printf("   Consumer: %s (durable)\n", consumerConfig.Durable)
		}
		fmt.Printf("\nWaiting for transactions... (Ctrl-C to exit)\n\n")
	}

	cons, err := js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, consumerConfig)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	msgChan := make(chan jetstream.Msg, 10)
	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		select {
		case msgChan <- msg:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer consumeCtx.Stop()

	count := 0
	for {
		select {
		case msg := <-msgChan:
			var event natspkg.EnrichedEvent
			if err := json.Unmarshal(msg.Data(), &event); err != nil {
				fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
				msg.Ack()
				continue
			}
			msg.Ack()

			if !matchesAll(filters, &event) {
				continue
			}
			count++

			if jsonOutput {
				data, _ := json.Marshal(event)
				fmt.Println(string(data))
				continue
			}
			printEvent(count, &event)

		case <-ctx.Done():
			if !jsonOutput {
				fmt.Printf("\n\n✅ Received %d transactions\n", count)
			}
			return nil
		}
	}
}

func printEvent(n int, event *natspkg.EnrichedEvent) {
	fmt.Printf("─────────────────────────────────────────────────────\n")
	fmt.Printf("Transaction #%d\n", n)
	fmt.Printf("─────────────────────────────────────────────────────\n")
	fmt.Printf("Signature:    %s\n", event.Signature)
	fmt.Printf("Type:         %s\n", event.Type)
	fmt.Printf("Source:       %s\n", event.Source)
	fmt.Printf("Fee Payer:    %s\n", event.FeePayer)
	fmt.Printf("Slot:         %d\n", event.Slot)
	fmt.Printf("Block Time:   %s\n", event.BlockTime.Format(time.RFC3339))
	if event.Description != "" {
		fmt.Printf("Description:  %s\n", event.Description)
	}
	if event.Transaction.Error != "" {
		fmt.Printf("Error:        %s\n", event.Transaction.Error)
	}
	fmt.Printf("Published:    %s\n\n", event.PublishedAt.Format(time.RFC3339))
}

// inspectStreamCommand shows information about the NATS JetStream stream.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the ENRICHED JetStream stream",
		Action: func(c *cli.Context) error {
			nc, err := natspkg.Connect(c.String("nats-url"), "solenrich-cli")
			if err != nil {
				return err
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			ctx := context.Background()
			stream, err := js.Stream(ctx, natspkg.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}

			info, err := stream.Info(ctx)
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			if c.Bool("json") || c.String("jq") != "" {
				return outputJSON(c, info)
			}

			fmt.Printf("Stream: %s\n", info.Config.Name)
			fmt.Printf("─────────────────────────────────────────────────────\n")
			fmt.Printf("Description:  %s\n", info.Config.Description)
			fmt.Printf("Subjects:     %v\n", info.Config.Subjects)
			fmt.Printf("Messages:     %d\n", info.State.Msgs)
			fmt.Printf("Bytes:        %d\n", info.State.Bytes)
			fmt.Printf("First Seq:    %d\n", info.State.FirstSeq)
			fmt.Printf("Last Seq:     %d\n", info.State.LastSeq)
			fmt.Printf("Consumers:    %d\n", info.State.Consumers)
			fmt.Printf("Max Age:      %s\n", info.Config.MaxAge)
			fmt.Printf("Storage:      %s\n\n", info.Config.Storage)
			return nil
		},
	}
}
