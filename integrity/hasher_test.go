package integrity_test

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/issuance-engine/integrity"
	"github.com/warp/issuance-engine/inventory"
)

func scenarioFields(signature string) []integrity.Field {
	return []integrity.Field{
		integrity.Bytes("signature", []byte(signature)),
		integrity.String("worker_id", "w1"),
		integrity.List("items", []string{"p1"}),
		integrity.String("ts", "T"),
	}
}

func TestSeal_TamperedSignatureFailsVerify(t *testing.T) {
	// GIVEN: a digest sealed over signature "abc"
	digest := integrity.Seal(scenarioFields("abc")...)

	// THEN: the untouched fields verify
	assert.True(t, integrity.Verify(digest, scenarioFields("abc")...))

	// WHEN: the stored signature is changed to "abd"
	// THEN: verification fails
	assert.False(t, integrity.Verify(digest, scenarioFields("abd")...))
}

func TestSeal_DeterministicHex(t *testing.T) {
	a := integrity.Seal(scenarioFields("abc")...)
	b := integrity.Seal(scenarioFields("abc")...)

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.Equal(t, strings.ToLower(a), a)
}

func TestCanonical_LengthPrefixPreventsShifting(t *testing.T) {
	left := integrity.Seal(integrity.String("a", "bc"), integrity.String("d", ""))
	right := integrity.Seal(integrity.String("a", "b"), integrity.String("d", "c"))
	assert.NotEqual(t, left, right)

	joined := integrity.Seal(integrity.List("items", []string{"p1p2"}))
	split := integrity.Seal(integrity.List("items", []string{"p1", "p2"}))
	assert.NotEqual(t, joined, split)
}

func TestVerify_FieldOrderMatters(t *testing.T) {
	fields := scenarioFields("abc")
	digest := integrity.Seal(fields...)

	swapped := []integrity.Field{fields[1], fields[0], fields[2], fields[3]}
	assert.False(t, integrity.Verify(digest, swapped...))
}

func TestVerify_MalformedDigest(t *testing.T) {
	assert.False(t, integrity.Verify("not-hex", scenarioFields("abc")...))
	assert.False(t, integrity.Verify("abcd", scenarioFields("abc")...))
	assert.False(t, integrity.Verify("", scenarioFields("abc")...))
}

func TestTime_NormalizedToUTC(t *testing.T) {
	instant := time.Date(2026, 3, 1, 12, 0, 0, 5, time.UTC)
	local := instant.In(time.FixedZone("BRT", -3*3600))

	assert.Equal(t,
		integrity.Seal(integrity.Time("ts", instant)),
		integrity.Seal(integrity.Time("ts", local)))
}

func TestRequestSealRoundTrip(t *testing.T) {
	r := &inventory.Request{
		ID:          "r1",
		TenantID:    "t1",
		WorkerID:    "w1",
		ProductID:   "p1",
		Quantity:    2,
		Signature:   []byte("sig"),
		Selfie:      []byte("selfie"),
		OriginIP:    "10.0.0.1",
		UserAgent:   "test",
		CreatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Geolocation: &inventory.Geolocation{Latitude: -23.5, Longitude: -46.6, Accuracy: 10},
	}
	r.IntegrityHash = integrity.SealRequest(r)
	require.True(t, integrity.VerifyRequest(r))

	r.Geolocation.Latitude = -23.6
	assert.False(t, integrity.VerifyRequest(r), "moved geolocation")

	r.Geolocation.Latitude = -23.5
	r.Quantity = 3
	assert.False(t, integrity.VerifyRequest(r), "altered quantity")

	r.Quantity = 2
	r.Reason = "lost"
	assert.False(t, integrity.VerifyRequest(r), "added reason")

	r.Reason = ""
	r.Note = "urgent"
	assert.False(t, integrity.VerifyRequest(r), "added note")

	r.Note = ""
	r.Status = inventory.StatusApproved
	r.ApproverID = "boss"
	assert.True(t, integrity.VerifyRequest(r), "workflow fields are not sealed")
}

func TestDeliverySealRoundTrip(t *testing.T) {
	d := &inventory.Delivery{
		ID:                  "d1",
		TenantID:            "t1",
		WorkerID:            "w1",
		Signature:           []byte("sig"),
		Selfie:              []byte("selfie"),
		DeclarationAccepted: true,
		CreatedAt:           time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Items: []inventory.DeliveryItem{
			{ProductID: "p1", Quantity: 1, UnitCost: decimal.RequireFromString("12.50")},
			{ProductID: "p2", Quantity: 4, UnitCost: decimal.RequireFromString("3")},
		},
	}
	d.IntegrityHash = integrity.SealDelivery(d)
	require.True(t, integrity.VerifyDelivery(d))

	d.Selfie[0] ^= 0xFF
	assert.False(t, integrity.VerifyDelivery(d), "flipped selfie byte")
}

func sealedDelivery() *inventory.Delivery {
	expires := time.Date(2027, 6, 30, 0, 0, 0, 0, time.UTC)
	d := &inventory.Delivery{
		ID:                  "d1",
		TenantID:            "t1",
		WorkerID:            "w1",
		Signature:           []byte("sig"),
		Selfie:              []byte("selfie"),
		DeclarationAccepted: true,
		CreatedAt:           time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Items: []inventory.DeliveryItem{
			{ProductID: "p1", Name: "Helmet", Code: "H-1", ExpiresAt: &expires, Quantity: 1, UnitCost: decimal.RequireFromString("12.50")},
			{ProductID: "p2", Name: "Gloves", Code: "G-2", Quantity: 4, UnitCost: decimal.RequireFromString("3")},
		},
	}
	d.IntegrityHash = integrity.SealDelivery(d)
	return d
}

func TestDeliverySeal_LineItemEditsFailVerify(t *testing.T) {
	later := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		edit func(it *inventory.DeliveryItem)
	}{
		{"product", func(it *inventory.DeliveryItem) { it.ProductID = "p9" }},
		{"name", func(it *inventory.DeliveryItem) { it.Name = "Forged" }},
		{"code", func(it *inventory.DeliveryItem) { it.Code = "X-9" }},
		{"expiry moved", func(it *inventory.DeliveryItem) { it.ExpiresAt = &later }},
		{"expiry cleared", func(it *inventory.DeliveryItem) { it.ExpiresAt = nil }},
		{"quantity", func(it *inventory.DeliveryItem) { it.Quantity = 2 }},
		{"unit cost", func(it *inventory.DeliveryItem) { it.UnitCost = decimal.RequireFromString("1.25") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN: A sealed delivery
			d := sealedDelivery()
			require.True(t, integrity.VerifyDelivery(d))

			// WHEN: One field of the first line item changes
			tt.edit(&d.Items[0])

			// THEN: The seal no longer matches
			assert.False(t, integrity.VerifyDelivery(d))
		})
	}
}

func TestDeliverySeal_ItemOrderAndBoundaries(t *testing.T) {
	d := sealedDelivery()
	d.Items[0], d.Items[1] = d.Items[1], d.Items[0]
	assert.False(t, integrity.VerifyDelivery(d), "reordered items")

	// Separator characters inside values cannot move a boundary
	a := sealedDelivery()
	a.Items = a.Items[:1]
	a.Items[0].Name, a.Items[0].Code = "a:b", "c"
	b := sealedDelivery()
	b.Items = b.Items[:1]
	b.Items[0].Name, b.Items[0].Code = "a", "b:c"
	assert.NotEqual(t, integrity.SealDelivery(a), integrity.SealDelivery(b))
}

func TestDeliverySeal_EquivalentValuesVerify(t *testing.T) {
	// GIVEN: A sealed delivery
	d := sealedDelivery()

	// WHEN: Values come back in an equivalent representation, as after storage
	local := d.Items[0].ExpiresAt.In(time.FixedZone("BRT", -3*3600))
	d.Items[0].ExpiresAt = &local
	d.Items[0].UnitCost = decimal.RequireFromString("12.5")

	// THEN: The seal still matches
	assert.True(t, integrity.VerifyDelivery(d))
}
