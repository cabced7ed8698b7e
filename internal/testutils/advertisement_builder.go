package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/srg/bleuart/internal/adv"
	"github.com/srg/bleuart/internal/device"
	"github.com/srg/bleuart/internal/radio"
)

// AdvertisementBuilder builds radio.ScanResult events carrying a real
// encoded advertising payload.
type AdvertisementBuilder struct {
	name       string
	address    string
	addrType   radio.AddrType
	advType    radio.AdvType
	rssi       int8
	services   []string
	appearance uint16
	raw        []byte
}

// NewAdvertisementBuilder creates a builder for a connectable, undirected
// advertisement from a public address.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{
		address: "00:00:00:00:00:00",
		advType: radio.AdvInd,
		rssi:    -50,
	}
}

// WithName sets the complete local name.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.name = name
	return b
}

// WithAddress sets the advertiser address.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.address = addr
	return b
}

// WithAddrType sets the advertiser address type.
func (b *AdvertisementBuilder) WithAddrType(t radio.AddrType) *AdvertisementBuilder {
	b.addrType = t
	return b
}

// WithAdvType sets the advertising PDU type.
func (b *AdvertisementBuilder) WithAdvType(t radio.AdvType) *AdvertisementBuilder {
	b.advType = t
	return b
}

// WithRSSI sets the signal strength.
func (b *AdvertisementBuilder) WithRSSI(rssi int8) *AdvertisementBuilder {
	b.rssi = rssi
	return b
}

// WithServices adds advertised service UUIDs ("180D", full 128-bit form, ...).
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.services = append(b.services, uuids...)
	return b
}

// WithAppearance sets the GAP appearance.
func (b *AdvertisementBuilder) WithAppearance(v uint16) *AdvertisementBuilder {
	b.appearance = v
	return b
}

// WithRawPayload bypasses encoding and uses payload as-is.
func (b *AdvertisementBuilder) WithRawPayload(payload []byte) *AdvertisementBuilder {
	b.raw = payload
	return b
}

// FromJSON fills builder fields from a JSON string with format support.
// Panics on invalid JSON as this is intended for test data setup.
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	var data struct {
		Name       *string  `json:"name"`
		Address    *string  `json:"address"`
		RSSI       *int8    `json:"rssi"`
		Services   []string `json:"services"`
		Appearance *uint16  `json:"appearance"`
		AdvType    *uint8   `json:"advType"`
	}
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &data); err != nil {
		panic(fmt.Sprintf("FromJSON: %v", err))
	}

	if data.Name != nil {
		b.name = *data.Name
	}
	if data.Address != nil {
		b.address = *data.Address
	}
	if data.RSSI != nil {
		b.rssi = *data.RSSI
	}
	if data.Appearance != nil {
		b.appearance = *data.Appearance
	}
	if data.AdvType != nil {
		b.advType = radio.AdvType(*data.AdvType)
	}
	b.services = append(b.services, data.Services...)
	return b
}

// Payload returns the encoded advertising payload.
func (b *AdvertisementBuilder) Payload() []byte {
	if b.raw != nil {
		return b.raw
	}
	uuids, err := device.ValidateUUID(b.services...)
	if err != nil {
		panic(err)
	}
	payload, err := adv.Encode(adv.Fields{Name: b.name, Services: uuids, Appearance: b.appearance})
	if err != nil {
		panic(err)
	}
	return payload
}

// Build returns the scan result event.
func (b *AdvertisementBuilder) Build() radio.ScanResult {
	return radio.ScanResult{
		AddrType: b.addrType,
		Addr:     radio.MustParseAddr(b.address),
		AdvType:  b.advType,
		RSSI:     b.rssi,
		AdvData:  b.Payload(),
	}
}
