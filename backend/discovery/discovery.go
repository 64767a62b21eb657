// Package discovery announces rooms over mDNS and finds them.
package discovery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/adwski/hierchat/backend/model"
	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

const (
	ServiceType = "_hierchat._tcp"
	Domain      = "local."

	txtRoom    = "room="
	txtAddress = "addr="
	txtAdmin   = "admin="

	defaultBrowseTimeout = 5 * time.Second
)

var (
	ErrBrowse      = errors.New("mdns browse failed")
	ErrNoRoomFound = errors.New("no room found on the local network")
)

type (
	registration interface {
		Shutdown()
	}

	registerFunc func(instance, service, domain string, port int, text []string) (registration, error)

	Config struct {
		Logger *zerolog.Logger
		Self   model.Peer
		Port   int
	}

	// Announcer publishes the room while this peer is its admin.
	Announcer struct {
		logger   zerolog.Logger
		self     model.Peer
		port     int
		register registerFunc
		updates  chan update
	}

	update struct {
		admin bool
		room  string
	}

	// Found is a room announced by its admin.
	Found struct {
		Room    string
		Admin   string
		Address string
	}
)

func NewAnnouncer(cfg Config) *Announcer {
	return &Announcer{
		logger:   cfg.Logger.With().Str("component", "discovery").Logger(),
		self:     cfg.Self,
		port:     cfg.Port,
		register: zeroconfRegister,
		updates:  make(chan update, 1),
	}
}

func zeroconfRegister(instance, service, domain string, port int, text []string) (registration, error) {
	srv, err := zeroconf.Register(instance, service, domain, port, text, nil)
	if err != nil {
		return nil, err
	}
	return srv, nil
}

// RoleChanged implements the state machine's role observer. It never
// blocks, only the latest role is kept.
func (a *Announcer) RoleChanged(role model.Role, room model.Room) {
	u := update{admin: role == model.RoleAdmin, room: room.Name}
	for {
		select {
		case a.updates <- u:
			return
		default:
		}
		select {
		case <-a.updates:
		default:
		}
	}
}

func (a *Announcer) Run(ctx context.Context, wg *sync.WaitGroup, _ chan<- error) {
	var (
		current   registration
		announced string
	)
	withdraw := func() {
		if current == nil {
			return
		}
		current.Shutdown()
		a.logger.Info().Str("room", announced).Msg("room announcement withdrawn")
		current, announced = nil, ""
	}
	defer func() {
		withdraw()
		a.logger.Debug().Msg("announcer stopped")
		wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case u := <-a.updates:
			if u.admin && current != nil && u.room == announced {
				continue
			}
			withdraw()
			if !u.admin {
				continue
			}
			reg, err := a.register(u.room, ServiceType, Domain, a.port, []string{
				txtRoom + u.room,
				txtAdmin + a.self.Username,
				txtAddress + a.self.Address,
			})
			if err != nil {
				// peers can still join with an explicit address
				a.logger.Error().Err(err).Str("room", u.room).Msg("failed to announce room")
				continue
			}
			current, announced = reg, u.room
			a.logger.Info().Str("room", u.room).Int("port", a.port).Msg("room announced")
		}
	}
}

// Browse returns the first room announced on the local network within
// timeout.
func Browse(ctx context.Context, logger *zerolog.Logger, timeout time.Duration) (Found, error) {
	if timeout <= 0 {
		timeout = defaultBrowseTimeout
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return Found{}, errors.Join(ErrBrowse, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err = resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return Found{}, errors.Join(ErrBrowse, err)
	}
	for {
		select {
		case <-ctx.Done():
			return Found{}, ErrNoRoomFound
		case entry, ok := <-entries:
			if !ok {
				return Found{}, ErrNoRoomFound
			}
			found, ok := parseEntry(entry)
			if !ok {
				logger.Debug().Str("instance", entry.Instance).Msg("skipping incomplete announcement")
				continue
			}
			logger.Info().
				Str("room", found.Room).
				Str("admin", found.Admin).
				Str("address", found.Address).
				Msg("room discovered")
			return found, nil
		}
	}
}

func parseEntry(entry *zeroconf.ServiceEntry) (Found, bool) {
	var found Found
	for _, txt := range entry.Text {
		switch {
		case strings.HasPrefix(txt, txtRoom):
			found.Room = strings.TrimPrefix(txt, txtRoom)
		case strings.HasPrefix(txt, txtAdmin):
			found.Admin = strings.TrimPrefix(txt, txtAdmin)
		case strings.HasPrefix(txt, txtAddress):
			found.Address = strings.TrimPrefix(txt, txtAddress)
		}
	}
	if found.Room == "" {
		found.Room = entry.Instance
	}
	if found.Address == "" {
		if len(entry.AddrIPv4) == 0 || entry.Port == 0 {
			return Found{}, false
		}
		found.Address = model.PeerAddress(entry.AddrIPv4[0], entry.Port)
	}
	return found, true
}
