// Package replenish maintains the provisioned account state: it fetches
// the account profile, the mobile key and single-use key units from the
// issuing host and installs them into the profile store.
package replenish

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/andrei-cloud/anet"
	"github.com/rs/zerolog/log"

	"github.com/andrei-cloud/go_hce/internal/statuswords"
)

// Issuing host command codes. Responses echo the code with the second
// character incremented and carry a trailing two-byte status word.
const (
	cmdSelect    = "SA"
	cmdMobileKey = "MK"
	cmdProfile   = "CP"
	cmdKeyUnit   = "SK"
)

const mobileKeyLength = 32

// HostClient is the issuing host transport consumed by the coordinator.
type HostClient interface {
	// Select opens the account session. A terminated account surfaces
	// as statuswords.SWFuncNotSupported.
	Select() error

	// MobileKey returns the 32-byte notification key.
	MobileKey() ([]byte, error)

	// Profile returns the serialized account profile. A disabled
	// account surfaces as statuswords.SWCommandNotAllowed.
	Profile() ([]byte, error)

	// KeyUnit returns one serialized single-use key unit.
	KeyUnit() ([]byte, error)
}

// Client talks to the issuing host over a pooled TCP connection.
type Client struct {
	address string
	pool    anet.Pool
	broker  anet.Broker
}

// NewClient dials the issuing host lazily through a connection pool.
func NewClient(address string, poolSize, workers int, dialTimeout time.Duration) *Client {
	factory := func(addr string) (anet.PoolItem, error) {
		conn, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err != nil {
			return nil, err
		}

		return conn, nil
	}

	pool := anet.NewPool(uint32(poolSize), factory, address, nil)
	broker := anet.NewBroker([]anet.Pool{pool}, workers, nil, nil)

	return &Client{
		address: address,
		pool:    pool,
		broker:  broker,
	}
}

// Start runs the broker loop until Close.
func (c *Client) Start() {
	go c.broker.Start()
}

// Close releases the broker and the connection pool.
func (c *Client) Close() {
	c.broker.Close()
	c.pool.Close()
}

// Select opens the account session on the host.
func (c *Client) Select() error {
	_, err := c.exchange(cmdSelect, nil)

	return err
}

// MobileKey fetches the notification key.
func (c *Client) MobileKey() ([]byte, error) {
	key, err := c.exchange(cmdMobileKey, nil)
	if err != nil {
		return nil, err
	}
	if len(key) != mobileKeyLength {
		return nil, fmt.Errorf("mobile key length %d", len(key))
	}

	return key, nil
}

// Profile fetches the serialized account profile.
func (c *Client) Profile() ([]byte, error) {
	return c.exchange(cmdProfile, nil)
}

// KeyUnit fetches one serialized single-use key unit.
func (c *Client) KeyUnit() ([]byte, error) {
	return c.exchange(cmdKeyUnit, nil)
}

// exchange sends one command frame and strips the response envelope.
// Status words other than 9000 return as StatusWord errors; transport
// failures return as plain errors.
func (c *Client) exchange(code string, payload []byte) ([]byte, error) {
	req := append([]byte(code), payload...)
	resp, err := c.broker.Send(&req)
	if err != nil {
		return nil, fmt.Errorf("host exchange %s: %w", code, err)
	}
	if len(resp) < 4 {
		return nil, fmt.Errorf("host exchange %s: short response", code)
	}

	sw := binary.BigEndian.Uint16(resp[len(resp)-2:])
	if sw != statuswords.SWNoError.Code {
		swErr := statuswords.Lookup(sw)
		log.Debug().
			Str("event", "host_status").
			Str("command", code).
			Str("status", swErr.Error()).
			Msg("issuing host returned status")

		return nil, swErr
	}

	return resp[2 : len(resp)-2], nil
}
