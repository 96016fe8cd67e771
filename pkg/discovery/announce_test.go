package discovery

import (
	"strings"
	"testing"
	"time"

	"github.com/dukahub/dukasync/pkg/types"
)

func TestAnnouncementRoundTrip(t *testing.T) {
	in := &Announcement{
		NodeID:   "node-a",
		NodeName: "till-1",
		Endpoint: "192.168.1.10:8765",
		Capabilities: types.Capabilities{
			Compression:  true,
			Encryption:   true,
			VectorClocks: true,
			NodeVersion:  "1.2.0",
		},
		RegistrationKeyHash: "abc123",
		AnnouncedAt:         time.Now().UTC().Truncate(time.Second),
	}

	data, err := EncodeAnnouncement(in)
	if err != nil {
		t.Fatalf("EncodeAnnouncement() error = %v", err)
	}
	if len(data) > MaxDatagramSize {
		t.Fatalf("encoded announcement is %d bytes, want <= %d", len(data), MaxDatagramSize)
	}

	out, err := DecodeAnnouncement(data)
	if err != nil {
		t.Fatalf("DecodeAnnouncement() error = %v", err)
	}
	if out.Magic != Magic {
		t.Errorf("Magic = %q, want %q", out.Magic, Magic)
	}
	if out.NodeID != in.NodeID || out.NodeName != in.NodeName || out.Endpoint != in.Endpoint {
		t.Errorf("decoded identity = %s/%s/%s, want %s/%s/%s",
			out.NodeID, out.NodeName, out.Endpoint, in.NodeID, in.NodeName, in.Endpoint)
	}
	if out.Capabilities != in.Capabilities {
		t.Errorf("Capabilities = %+v, want %+v", out.Capabilities, in.Capabilities)
	}
	if !out.AnnouncedAt.Equal(in.AnnouncedAt) {
		t.Errorf("AnnouncedAt = %v, want %v", out.AnnouncedAt, in.AnnouncedAt)
	}
}

func TestDecodeAnnouncementRejections(t *testing.T) {
	valid := func(mutate func(*Announcement)) []byte {
		ann := &Announcement{
			NodeID:   "node-a",
			NodeName: "till-1",
			Endpoint: "192.168.1.10:8765",
		}
		data, err := EncodeAnnouncement(ann)
		if err != nil {
			t.Fatalf("EncodeAnnouncement() error = %v", err)
		}
		if mutate != nil {
			decoded, _ := DecodeAnnouncement(data)
			mutate(decoded)
			data, _ = EncodeAnnouncement(decoded)
		}
		return data
	}

	tests := []struct {
		name string
		data []byte
	}{
		{name: "not json", data: []byte("hello world")},
		{name: "empty", data: nil},
		{name: "wrong magic", data: []byte(`{"magic":"NOPE","nodeId":"a","endpoint":"b"}`)},
		{name: "missing node id", data: valid(func(a *Announcement) { a.NodeID = "" })},
		{name: "missing endpoint", data: valid(func(a *Announcement) { a.Endpoint = "" })},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeAnnouncement(tt.data); err == nil {
				t.Errorf("DecodeAnnouncement(%q) error = nil, want error", tt.data)
			}
		})
	}
}

func TestEncodeAnnouncementSetsMagicAndBoundsSize(t *testing.T) {
	ann := &Announcement{NodeID: "node-a", Endpoint: "10.0.0.1:8765"}
	if _, err := EncodeAnnouncement(ann); err != nil {
		t.Fatalf("EncodeAnnouncement() error = %v", err)
	}
	if ann.Magic != Magic {
		t.Errorf("Magic not stamped, got %q", ann.Magic)
	}

	big := &Announcement{
		NodeID:   "node-a",
		NodeName: strings.Repeat("x", 2*MaxDatagramSize),
		Endpoint: "10.0.0.1:8765",
	}
	if _, err := EncodeAnnouncement(big); err == nil {
		t.Error("EncodeAnnouncement() with oversized frame error = nil, want error")
	}
}
