// scribectl — инструмент командной строки для работы с оркестратором Scribe.
//
// Использование:
//
//	scribectl [--api-url URL] [--token TOKEN] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	run    Запуск и просмотр runs
//	event  Отправка событий шагов
//	key    Вычисление ключа идемпотентности
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/Scribe/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL, token string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "scribectl",
		Short:         "scribectl — Scribe run orchestrator tool",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", envOr("SCRIBE_API_URL", "http://localhost:8080"), "Orchestrator URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("SCRIBE_TOKEN"), "Bearer token")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL).WithToken(token) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewRunCmd(clientFn, outputFn),
		cli.NewEventCmd(clientFn, outputFn, func() string { return apiURL }),
		cli.NewKeyCmd(outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
