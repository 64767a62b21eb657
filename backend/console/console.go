// Package console is a line oriented chat UI on a terminal.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/adwski/hierchat/backend/model"
	"github.com/fatih/color"
	"github.com/rs/zerolog"
)

const notificationPrefix = "/me"

type (
	// Store is the read side of the peer state.
	Store interface {
		HistorySince(from int) []model.HistoryEntry
		Role() model.Role
		Room() (model.Room, bool)
		Updates() <-chan struct{}
	}

	Config struct {
		Logger  *zerolog.Logger
		In      io.Reader
		Out     io.Writer
		Sink    model.EventSink
		Store   Store
		Self    model.Peer
		NoColor bool
	}

	Console struct {
		logger zerolog.Logger
		in     io.Reader
		sink   model.EventSink
		store  Store
		self   model.Peer

		mx  *sync.Mutex
		out io.Writer

		author *color.Color
		own    *color.Color
		notice *color.Color
		status *color.Color

		shown      int
		lastStatus string
	}
)

func New(cfg Config) *Console {
	c := &Console{
		logger: cfg.Logger.With().Str("component", "console").Logger(),
		in:     cfg.In,
		out:    cfg.Out,
		sink:   cfg.Sink,
		store:  cfg.Store,
		self:   cfg.Self,
		mx:     &sync.Mutex{},
		author: color.New(color.FgCyan, color.Bold),
		own:    color.New(color.FgGreen, color.Bold),
		notice: color.New(color.FgYellow, color.Italic),
		status: color.New(color.FgMagenta),
	}
	if cfg.NoColor {
		for _, col := range []*color.Color{c.author, c.own, c.notice, c.status} {
			col.DisableColor()
		}
	}
	return c
}

func (c *Console) Run(ctx context.Context, wg *sync.WaitGroup, _ chan<- error) {
	defer func() {
		c.logger.Debug().Msg("console stopped")
		wg.Done()
	}()

	// blocks on the reader, which cannot be interrupted
	go c.readInput()

	c.refresh()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.store.Updates():
			c.refresh()
		}
	}
}

func (c *Console) readInput() {
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		payload, ok := parseLine(scanner.Text())
		if !ok {
			continue
		}
		if role := c.store.Role(); role != model.RoleAdmin && role != model.RoleMember {
			c.println(c.status.Sprint("-- not in a room yet, message dropped"))
			continue
		}
		c.sink.Submit(model.SubmitMessage{Payload: payload})
	}
	if err := scanner.Err(); err != nil {
		c.logger.Error().Err(err).Msg("failed to read input")
		return
	}
	c.logger.Debug().Msg("input closed")
}

// parseLine turns an input line into a payload. "/me does something"
// becomes a notification, blank lines are skipped.
func parseLine(line string) (model.ForwardPayload, bool) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil, false
	}
	if rest, ok := strings.CutPrefix(line, notificationPrefix); ok {
		switch {
		case rest == "":
			return nil, false
		case rest[0] == ' ':
			if rest = strings.TrimSpace(rest); rest == "" {
				return nil, false
			}
			return model.Notification(rest), true
		}
	}
	return model.Text(line), true
}

// refresh prints history entries that were not shown yet and the role
// line if it changed.
func (c *Console) refresh() {
	if s := c.statusLine(); s != c.lastStatus {
		c.lastStatus = s
		c.println(c.status.Sprint(s))
	}
	entries := c.store.HistorySince(c.shown)
	c.shown += len(entries)
	for _, e := range entries {
		c.println(c.render(e))
	}
}

func (c *Console) statusLine() string {
	role := c.store.Role()
	room, ok := c.store.Room()
	if !ok {
		return "-- " + role.String()
	}
	return fmt.Sprintf("-- %s of %s (%d peers)", role, room.Name, room.Hierarchy.Len())
}

func (c *Console) render(e model.HistoryEntry) string {
	name := c.author
	if e.Author == c.self {
		name = c.own
	}
	switch body := e.Body.(type) {
	case model.Notification:
		return c.notice.Sprintf("* %s %s", e.Author.Username, body)
	default:
		return name.Sprintf("<%s>", e.Author.Username) + " " + body.String()
	}
}

func (c *Console) println(s string) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if _, err := fmt.Fprintln(c.out, s); err != nil {
		c.logger.Error().Err(err).Msg("failed to write output")
	}
}
