package app

import (
	"fmt"
	"io"
)

// Command はchillatcのサブコマンド。
type Command string

const (
	CommandServe       Command = "serve"
	CommandMigrate     Command = "migrate"
	CommandHealthcheck Command = "healthcheck"
	CommandHelp        Command = "help"
)

// commands はサブコマンドと説明の一覧。Usageの表示順を兼ねる。
var commands = []struct {
	name    Command
	summary string
}{
	{CommandServe, "ATC再生ページ、OAuthコールバック、再生レポートAPIを提供する（既定）"},
	{CommandMigrate, "PostgreSQLのsessions表とlistening_ledger表を作成・更新する"},
	{CommandHealthcheck, "localhost:$SERVER_PORT/health を確認する（distrolessコンテナ用）"},
	{CommandHelp, "この一覧を表示する"},
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空または未知のサブコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	switch args[0] {
	case "-h", "--help":
		return CommandHelp
	}
	for _, c := range commands {
		if string(c.name) == args[0] {
			return c.name
		}
	}
	return CommandServe
}

// Usage はサブコマンドとmigrateの対象ストアを表示する。
func Usage(w io.Writer) {
	fmt.Fprintln(w, "usage: chillatc [command]")
	fmt.Fprintln(w)
	for _, c := range commands {
		fmt.Fprintf(w, "  %-12s %s\n", c.name, c.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "migrate targets:")
	fmt.Fprintln(w, "  DATABASE_URL  SESSION_STORE=postgres のときのセッションストア")
	fmt.Fprintln(w, "  LEDGER_URL    postgres:// の場合の台帳ストア（sqlite:// は起動時に作成、sheet:// と memory:// は対象外）")
}
