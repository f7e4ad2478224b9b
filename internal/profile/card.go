package profile

import (
	"bytes"
	"time"

	"github.com/andrei-cloud/go_hce/internal/emv"
	"github.com/andrei-cloud/go_hce/internal/statuswords"
)

// Card adapts a Store to the read-only view the transaction state
// machine consumes: AID selection, template building and static record
// resolution.
type Card struct {
	store *Store
}

// NewCard returns the card view over the store.
func NewCard(store *Store) *Card {
	return &Card{store: store}
}

// ProfileReady reports whether a profile is installed.
func (c *Card) ProfileReady() bool {
	return c.store.Profile() != nil
}

// PoolEmpty reports whether no key material is available.
func (c *Card) PoolEmpty() bool {
	pool := c.store.Pool()

	return pool == nil || pool.Size() == 0
}

// Terminated reports the account terminated flag.
func (c *Card) Terminated() bool {
	return c.store.Terminated()
}

// Disabled reports the account disabled flag.
func (c *Card) Disabled() bool {
	return c.store.Disabled()
}

// DualTapReset returns the profile's dual-tap context timeout.
func (c *Card) DualTapReset() time.Duration {
	p := c.store.Profile()
	if p == nil {
		return 0
	}

	return time.Duration(p.DualTapResetMillis) * time.Millisecond
}

// SelectAID resolves a SELECT command data field. A payment AID match
// returns the FCI template and payment=true; a PPSE match returns the
// discovery response with payment=false; ok=false means no match.
func (c *Card) SelectAID(aid []byte) (fci []byte, payment, ok bool) {
	p := c.store.Profile()
	if p == nil {
		return nil, false, false
	}

	if len(p.AID) > 0 && bytes.Equal(aid, p.AID) {
		var inner emv.Builder
		inner.PutTag(emv.TagDFName, p.AID)
		body := append(inner.Bytes(), p.FCIProprietary...)

		return emv.WrapTemplate(emv.TagFCITemplate, body), true, true
	}

	if len(p.PPSEAID) > 0 && bytes.Equal(aid, p.PPSEAID) {
		return p.PPSEResponse, false, true
	}

	return nil, false, false
}

// GPOResponse builds the GET PROCESSING OPTIONS response template with
// the profile AIP and AFL.
func (c *Card) GPOResponse() []byte {
	p := c.store.Profile()
	if p == nil {
		return nil
	}

	var inner emv.Builder
	inner.PutTag(emv.TagAIP, p.AIP)
	inner.PutTag(emv.TagAFL, p.AFL)

	return emv.WrapTemplate(emv.TagResponseTemplate, inner.Bytes())
}

// RecordData resolves a READ RECORD command. EMV records (tag 70) must
// be referenced by the AFL.
func (c *Card) RecordData(sfi, number byte) ([]byte, error) {
	p := c.store.Profile()
	if p == nil {
		return nil, statuswords.SWConditionsNotSatisfied
	}

	data, found := p.Record(sfi, number)
	if !found {
		return nil, statuswords.SWFileNotFound
	}
	if len(data) == 0 {
		return nil, statuswords.SWRecordNotFound
	}

	if data[0] == emv.TagReadRecordTemplate && !p.RecordInAFL(sfi, number) {
		return nil, statuswords.SWConditionsNotSatisfied
	}

	return data, nil
}
