// Outbound CLI — инструмент командной строки для управления
// кампаниями, аккаунтами и диалогами через HTTP API.
//
// Использование:
//
//	outbound [--api-url URL] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	campaign      Управление кампаниями
//	scheduler     Проход планировщика
//	queue         Прогон очереди доставки
//	identity      Отправляющие аккаунты
//	contact       Контакты
//	conversation  Диалоги
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/shaiso/Outbound/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	_ = godotenv.Load()

	var apiURL string
	var jsonOutput bool

	defaultURL := os.Getenv("OUTBOUND_API_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}

	rootCmd := &cobra.Command{
		Use:           "outbound",
		Short:         "Outbound CLI — cold email orchestration",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", defaultURL, "API server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewCampaignCmd(clientFn, outputFn),
		cli.NewSchedulerCmd(clientFn, outputFn),
		cli.NewQueueCmd(clientFn, outputFn),
		cli.NewIdentityCmd(clientFn, outputFn),
		cli.NewContactCmd(clientFn, outputFn),
		cli.NewConversationCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
