package main

import (
	"context"
	"io"
	"os"
	"os/signal"

	"github.com/alecthomas/kong"

	"FinSight-Agent/sdk/go/finsight"
)

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("finsight-cli"),
		kong.Description("finsightd 命令行客户端"),
		kong.UsageOnError(),
	)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	kctx.FatalIfErrorf(execute(ctx, kctx, &cli, os.Stdout))
}

func execute(ctx context.Context, kctx *kong.Context, cli *CLI, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, cli.Timeout)
	defer cancel()

	client, err := finsight.NewClient(cli.Addr, cli.APIKey, nil)
	if err != nil {
		return err
	}
	return kctx.Run(&env{ctx: ctx, client: client, out: out, json: cli.JSON})
}
