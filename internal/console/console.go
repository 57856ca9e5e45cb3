// Package console implements the interactive operator console read from the
// process's standard input.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Operations the console needs from the running server.
type Server interface {
	SetRank(ctx context.Context, username string, rank int) error
	BlockIP(ip string, d time.Duration)
	UnblockIP(ip string)
	BlockedIPs() []string
	MigrateCredentials(ctx context.Context) (int, error)
}

type Console struct {
	Server Server
	Logger *logrus.Logger
	In     io.Reader
	Out    io.Writer
}

// Run reads operator commands line by line until the input closes or the
// context is canceled.
func (c *Console) Run(ctx context.Context) {
	scanner := bufio.NewScanner(c.In)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !c.execute(ctx, strings.Fields(line)) {
			return
		}
	}
}

func (c *Console) execute(ctx context.Context, args []string) bool {
	switch args[0] {
	case "rank":
		if len(args) != 3 {
			c.printf("usage: rank <username> <rank>")
			return true
		}
		rank, err := strconv.Atoi(args[2])
		if err != nil || rank < 0 {
			c.printf("invalid rank %q", args[2])
			return true
		}
		if err := c.Server.SetRank(ctx, args[1], rank); err != nil {
			c.printf("error setting rank: %s", err)
			return true
		}
		c.Logger.Infof("operator set rank of %s to %d", args[1], rank)
		c.printf("set rank of %s to %d", args[1], rank)

	case "block":
		if len(args) != 2 && len(args) != 3 {
			c.printf("usage: block <ip> [minutes]")
			return true
		}
		var d time.Duration
		if len(args) == 3 {
			minutes, err := strconv.Atoi(args[2])
			if err != nil || minutes <= 0 {
				c.printf("invalid duration %q", args[2])
				return true
			}
			d = time.Duration(minutes) * time.Minute
		}
		c.Server.BlockIP(args[1], d)
		c.Logger.Infof("operator blocked %s", args[1])
		c.printf("blocked %s", args[1])

	case "unblock":
		if len(args) != 2 {
			c.printf("usage: unblock <ip>")
			return true
		}
		c.Server.UnblockIP(args[1])
		c.Logger.Infof("operator unblocked %s", args[1])
		c.printf("unblocked %s", args[1])

	case "blocked":
		ips := c.Server.BlockedIPs()
		if len(ips) == 0 {
			c.printf("no blocked addresses")
			return true
		}
		for _, ip := range ips {
			c.printf("%s", ip)
		}

	case "migrate":
		migrated, err := c.Server.MigrateCredentials(ctx)
		if err != nil {
			c.printf("migration failed after %d accounts: %s", migrated, err)
			return true
		}
		c.Logger.Infof("operator migrated %d account credentials", migrated)
		c.printf("migrated %d accounts", migrated)

	case "help":
		c.printf("commands: rank <user> <rank> | block <ip> [minutes] | unblock <ip> | blocked | migrate | quit")

	case "quit", "exit":
		return false

	default:
		c.printf("unknown command %q (try help)", args[0])
	}
	return true
}

func (c *Console) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.Out, format+"\n", args...)
}
