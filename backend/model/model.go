package model

import (
	"fmt"
	"net"
	"strconv"
)

// Peer is the identity of a chat participant. Two peers are the same
// participant only if both username and address match.
type Peer struct {
	Username string `json:"username"`
	Address  string `json:"address"`
}

func (p Peer) String() string {
	return p.Username + "@" + p.Address
}

// PeerAddress builds the listening address of a peer.
func PeerAddress(ip net.IP, port int) string {
	return fmt.Sprintf("ws://%s", net.JoinHostPort(ip.String(), strconv.Itoa(port)))
}

type Room struct {
	Name      string    `json:"name"`
	Hierarchy Hierarchy `json:"hierarchy"`
	// Version is bumped by the admin on every hierarchy change.
	Version uint64 `json:"version"`
}

func NewRoom(name string, admin Peer) Room {
	return Room{
		Name:      name,
		Hierarchy: Hierarchy{admin},
		Version:   1,
	}
}

// Clone returns a deep copy that shares no memory with r.
func (r Room) Clone() Room {
	r.Hierarchy = r.Hierarchy.Clone()
	return r
}

type HistoryEntry struct {
	Author Peer
	Body   ForwardPayload
}

type Role int

const (
	RoleInitial Role = iota
	RoleConnecting
	RoleAdmin
	RoleMember
)

func (r Role) String() string {
	switch r {
	case RoleInitial:
		return "initial"
	case RoleConnecting:
		return "connecting"
	case RoleAdmin:
		return "admin"
	case RoleMember:
		return "member"
	default:
		return "unknown"
	}
}
