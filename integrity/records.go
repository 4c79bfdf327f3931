package integrity

import (
	"time"

	"github.com/warp/issuance-engine/inventory"
)

// Field builders for stored records. The order here is the canonical order;
// changing it invalidates every digest already stored.

// RequestFields lists the sealed inputs of a submitted request.
func RequestFields(r *inventory.Request) []Field {
	geo := String("geolocation", "")
	if r.Geolocation != nil {
		geo = List("geolocation", []string{
			formatFloat(r.Geolocation.Latitude),
			formatFloat(r.Geolocation.Longitude),
			formatFloat(r.Geolocation.Accuracy),
		})
	}
	return []Field{
		String("kind", "request"),
		String("tenant_id", string(r.TenantID)),
		String("request_id", string(r.ID)),
		Bytes("signature", r.Signature),
		Bytes("selfie", r.Selfie),
		String("worker_id", string(r.WorkerID)),
		String("product_id", string(r.ProductID)),
		Int("quantity", r.Quantity),
		String("reason", r.Reason),
		String("note", r.Note),
		Time("created_at", r.CreatedAt),
		String("origin_ip", r.OriginIP),
		String("user_agent", r.UserAgent),
		geo,
	}
}

// DeliveryFields lists the sealed inputs of a direct issuance. Items are
// encoded in stored order, each as its own canonical field sequence so the
// whole snapshot is covered.
func DeliveryFields(d *inventory.Delivery) []Field {
	items := make([]string, 0, len(d.Items))
	for _, it := range d.Items {
		items = append(items, string(itemCanonical(it)))
	}
	return []Field{
		String("kind", "delivery"),
		String("tenant_id", string(d.TenantID)),
		String("delivery_id", string(d.ID)),
		Bytes("signature", d.Signature),
		Bytes("selfie", d.Selfie),
		Bool("declaration_accepted", d.DeclarationAccepted),
		String("worker_id", string(d.WorkerID)),
		List("items", items),
		Time("created_at", d.CreatedAt),
		String("origin_ip", d.OriginIP),
		String("user_agent", d.UserAgent),
	}
}

func itemCanonical(it inventory.DeliveryItem) []byte {
	expires := String("expires_at", "")
	if it.ExpiresAt != nil {
		expires = String("expires_at", it.ExpiresAt.UTC().Format(time.RFC3339Nano))
	}
	return Canonical(
		String("product_id", string(it.ProductID)),
		String("name", it.Name),
		String("code", it.Code),
		expires,
		Int("quantity", it.Quantity),
		String("unit_cost", it.UnitCost.String()),
	)
}

func SealRequest(r *inventory.Request) string {
	return Seal(RequestFields(r)...)
}

func VerifyRequest(r *inventory.Request) bool {
	return Verify(r.IntegrityHash, RequestFields(r)...)
}

func SealDelivery(d *inventory.Delivery) string {
	return Seal(DeliveryFields(d)...)
}

func VerifyDelivery(d *inventory.Delivery) bool {
	return Verify(d.IntegrityHash, DeliveryFields(d)...)
}
