// Command bot is a small dice-rolling chat bot built on botlib.
package main

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aeolun/cyberchat/pkg/botlib"
)

func main() {
	var config botlib.Config

	rootCmd := &cobra.Command{
		Use:   "bot",
		Short: "Dice-rolling chat bot",
		Long: `bot joins a room and answers mentions:

  @DiceBot roll 2d6    roll dice (NdM, up to 20d1000)
  @DiceBot time        server-side clock
  @DiceBot help        this list`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			config.Logger = log.New(os.Stdout, "[bot] ", log.LstdFlags)
			bot := botlib.New(config)
			bot.OnMention(handleMention)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return bot.Run(ctx)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&config.Server, "server", "s", "localhost:65432", "Server address")
	flags.StringVarP(&config.Name, "name", "n", "DiceBot", "Bot name")
	flags.StringVarP(&config.Room, "room", "r", "", "Room to join (default: the server's default room)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func handleMention(ctx *botlib.Context, msg *botlib.Message) {
	fields := strings.Fields(msg.MentionedContent())
	if len(fields) == 0 {
		ctx.Reply(fmt.Sprintf("%s: try \"@%s help\"", ctx.Author(), ctx.BotName()))
		return
	}

	var reply string
	switch strings.ToLower(fields[0]) {
	case "roll":
		dice := "1d6"
		if len(fields) > 1 {
			dice = fields[1]
		}
		rolls, err := roll(dice, rand.Intn)
		if err != nil {
			reply = fmt.Sprintf("%s: %v", ctx.Author(), err)
			break
		}
		reply = fmt.Sprintf("%s rolled %s: %s", ctx.Author(), dice, formatRolls(rolls))
	case "time":
		reply = time.Now().UTC().Format("Mon Jan 2 15:04:05 MST 2006")
	case "help":
		reply = "roll NdM, time, help"
	default:
		reply = fmt.Sprintf("%s: unknown command %q", ctx.Author(), fields[0])
	}

	if err := ctx.Reply(reply); err != nil {
		ctx.Log("Reply failed: %v", err)
	}
}

// roll parses NdM and rolls it with intn (rand.Intn semantics)
func roll(dice string, intn func(int) int) ([]int, error) {
	count, sides, ok := strings.Cut(strings.ToLower(dice), "d")
	if !ok {
		return nil, fmt.Errorf("expected NdM, got %q", dice)
	}
	n := 1
	if count != "" {
		var err error
		if n, err = strconv.Atoi(count); err != nil {
			return nil, fmt.Errorf("bad dice count %q", count)
		}
	}
	m, err := strconv.Atoi(sides)
	if err != nil {
		return nil, fmt.Errorf("bad side count %q", sides)
	}
	if n < 1 || n > 20 || m < 2 || m > 1000 {
		return nil, fmt.Errorf("%s is out of range (1-20 dice, 2-1000 sides)", dice)
	}

	rolls := make([]int, n)
	for i := range rolls {
		rolls[i] = intn(m) + 1
	}
	return rolls, nil
}

func formatRolls(rolls []int) string {
	if len(rolls) == 1 {
		return strconv.Itoa(rolls[0])
	}
	total := 0
	parts := make([]string, len(rolls))
	for i, r := range rolls {
		total += r
		parts[i] = strconv.Itoa(r)
	}
	return fmt.Sprintf("%s = %d", strings.Join(parts, " + "), total)
}
