package queue

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adverant/nexus/imagetranslate-worker/internal/overlay"
	"github.com/adverant/nexus/imagetranslate-worker/internal/processor"
)

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Payload    ImageJob  `json:"payload"`
	CreatedAt  time.Time `json:"createdAt"`
	Attempts   int       `json:"attempts"`
	MaxRetries int       `json:"maxRetries"`
}

// ImageJob contains the actual job data
type ImageJob struct {
	JobID  string `json:"jobId"`
	ItemID string `json:"itemId,omitempty"`
	// Source is the image URL. It also identifies the image for OCR caching.
	Source           string  `json:"source,omitempty"`
	ImageData        []byte  `json:"imageData,omitempty"` // set by custom UnmarshalJSON
	NaturalWidth     int     `json:"naturalWidth,omitempty"`
	NaturalHeight    int     `json:"naturalHeight,omitempty"`
	DisplayWidth     int     `json:"displayWidth,omitempty"`
	DisplayHeight    int     `json:"displayHeight,omitempty"`
	DevicePixelRatio float64 `json:"devicePixelRatio,omitempty"`
	TargetLanguage   string  `json:"targetLanguage,omitempty"`
	Composite        bool    `json:"composite,omitempty"`
}

// UnmarshalJSON accepts imageData as a base64 string or as a Node.js
// Buffer object ({"type":"Buffer","data":[...]})
func (j *ImageJob) UnmarshalJSON(data []byte) error {
	type Alias ImageJob
	aux := &struct {
		ImageData interface{} `json:"imageData,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(j),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal ImageJob: %w", err)
	}

	switch v := aux.ImageData.(type) {
	case nil:
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("failed to decode base64 imageData: %w", err)
		}
		j.ImageData = decoded

	case map[string]interface{}:
		if bufferType, ok := v["type"].(string); !ok || bufferType != "Buffer" {
			return fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return fmt.Errorf("Buffer object missing 'data' array")
		}
		j.ImageData = make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok || byteVal < 0 || byteVal > 255 {
				return fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			j.ImageData[i] = byte(byteVal)
		}

	default:
		return fmt.Errorf("imageData must be either base64 string or Buffer object, got %T", v)
	}

	return nil
}

// ID is the stable identity used by the concurrency controller
func (j *ImageJob) ID() string {
	if j.ItemID != "" {
		return j.ItemID
	}
	return j.JobID
}

// Signature changes whenever the image content, its geometry or the target
// language changes
func (j *ImageJob) Signature() string {
	h := sha1.New()
	fmt.Fprintf(h, "%s|%d|%d|%s|", j.Source, j.NaturalWidth, j.NaturalHeight, j.TargetLanguage)
	if j.Source == "" {
		h.Write(j.ImageData)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Request converts the job into a processor request
func (j *ImageJob) Request() *processor.Request {
	return &processor.Request{
		JobID:  j.JobID,
		ItemID: j.ID(),
		Source: j.Source,
		Image:  j.ImageData,
		Geometry: overlay.Geometry{
			NaturalW: j.NaturalWidth,
			NaturalH: j.NaturalHeight,
			DisplayW: j.DisplayWidth,
			DisplayH: j.DisplayHeight,
			DPR:      j.DevicePixelRatio,
		},
		TargetLanguage: j.TargetLanguage,
		Composite:      j.Composite,
	}
}

// Validate checks that the job can be processed
func (j *ImageJob) Validate() error {
	if j.JobID == "" {
		return fmt.Errorf("jobId is required")
	}
	if j.Source == "" && len(j.ImageData) == 0 {
		return fmt.Errorf("job %s has neither source nor imageData", j.JobID)
	}
	return nil
}
