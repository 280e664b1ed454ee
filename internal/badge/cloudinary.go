package badge

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const cloudinaryAPI = "https://api.cloudinary.com"

// Publisher uploads badge images to Cloudinary.
type Publisher struct {
	cloudName string
	apiKey    string
	apiSecret string
	folder    string
	client    *resty.Client
	now       func() time.Time
}

// NewPublisher creates a Cloudinary publisher. baseURL may be empty.
func NewPublisher(baseURL, cloudName, apiKey, apiSecret, folder string) *Publisher {
	if baseURL == "" {
		baseURL = cloudinaryAPI
	}
	return &Publisher{
		cloudName: cloudName,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		folder:    folder,
		client:    resty.New().SetBaseURL(baseURL).SetTimeout(30 * time.Second),
		now:       time.Now,
	}
}

// UploadResult holds the fields of the Cloudinary response we use.
type UploadResult struct {
	PublicID  string `json:"public_id"`
	SecureURL string `json:"secure_url"`
	URL       string `json:"url"`
	Format    string `json:"format"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Bytes     int    `json:"bytes"`
}

// Publish uploads a badge PNG under publicID, replacing any earlier upload.
func (p *Publisher) Publish(ctx context.Context, png []byte, publicID string) (*UploadResult, error) {
	params := map[string]string{
		"timestamp": strconv.FormatInt(p.now().Unix(), 10),
		"public_id": publicID,
		"overwrite": "true",
	}
	if p.folder != "" {
		params["folder"] = p.folder
	}
	params["signature"] = p.sign(params)
	params["api_key"] = p.apiKey

	var result UploadResult
	resp, err := p.client.R().
		SetContext(ctx).
		SetFormData(params).
		SetFileReader("file", publicID+".png", bytes.NewReader(png)).
		SetResult(&result).
		Post(fmt.Sprintf("/v1_1/%s/image/upload", p.cloudName))
	if err != nil {
		return nil, fmt.Errorf("cloudinary: request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("cloudinary: upload failed (%d): %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// sign is SHA-1 over the sorted non-empty params followed by the secret.
// api_key, file and resource_type are not signed.
func (p *Publisher) sign(params map[string]string) string {
	exclude := map[string]bool{"api_key": true, "file": true, "resource_type": true}
	pairs := make([]string, 0, len(params))
	for k, v := range params {
		if !exclude[k] && v != "" {
			pairs = append(pairs, k+"="+v)
		}
	}
	sort.Strings(pairs)
	sum := sha1.Sum([]byte(strings.Join(pairs, "&") + p.apiSecret))
	return fmt.Sprintf("%x", sum)
}
