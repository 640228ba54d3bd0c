package trigger

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/site-summary-fanout/internal/fanout"
)

// Notification is a storage event reduced to the fields the trigger needs.
type Notification struct {
	Bucket     string `json:"bucket"`
	Key        string `json:"key"`
	Generation string `json:"generation,omitempty"`
	EventType  string `json:"eventType,omitempty"`
}

// Finalized reports whether the event announces a newly written object.
// Events without a type are assumed to be writes.
func (n Notification) Finalized() bool {
	switch {
	case n.EventType == "":
		return true
	case n.EventType == "OBJECT_FINALIZE":
		return true
	case strings.HasPrefix(n.EventType, "ObjectCreated:"):
		return true
	default:
		return false
	}
}

type s3Event struct {
	Records []struct {
		EventName string `json:"eventName"`
		S3        struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

type objectResource struct {
	Bucket     string          `json:"bucket"`
	Name       string          `json:"name"`
	Key        string          `json:"key"`
	Generation json.RawMessage `json:"generation"`
	EventType  string          `json:"eventType"`
}

// DecodeNotification accepts a Cloud Storage Pub/Sub notification (object
// identity in attrs), a Cloud Storage object resource, an S3-style Records
// event, or a plain {"bucket","key"} object.
func DecodeNotification(data []byte, attrs map[string]string) (Notification, error) {
	if attrs["bucketId"] != "" || attrs["objectId"] != "" {
		return Notification{
			Bucket:     attrs["bucketId"],
			Key:        attrs["objectId"],
			Generation: attrs["objectGeneration"],
			EventType:  attrs["eventType"],
		}, nil
	}
	if len(data) == 0 {
		return Notification{}, fmt.Errorf("empty notification: %w", fanout.ErrPermanent)
	}

	var s3 s3Event
	if err := json.Unmarshal(data, &s3); err != nil {
		return Notification{}, fmt.Errorf("decode notification: %v: %w", err, fanout.ErrPermanent)
	}
	if len(s3.Records) > 0 {
		rec := s3.Records[0]
		key := rec.S3.Object.Key
		if unescaped, err := url.QueryUnescape(key); err == nil {
			key = unescaped
		}
		return Notification{Bucket: rec.S3.Bucket.Name, Key: key, EventType: rec.EventName}, nil
	}

	var obj objectResource
	if err := json.Unmarshal(data, &obj); err != nil {
		return Notification{}, fmt.Errorf("decode notification: %v: %w", err, fanout.ErrPermanent)
	}
	key := obj.Name
	if key == "" {
		key = obj.Key
	}
	generation := strings.Trim(string(obj.Generation), `"`)
	if generation == "null" {
		generation = ""
	}
	return Notification{
		Bucket:     obj.Bucket,
		Key:        key,
		Generation: generation,
		EventType:  obj.EventType,
	}, nil
}
