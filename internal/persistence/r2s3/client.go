package r2s3

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"
)

// Client PUTs files into one bucket of an S3-compatible store (R2, MinIO)
// with path-style URLs. Requests are signed with SigV4 for region "auto".
type Client struct {
	base   *url.URL
	bucket string
	keyID  string
	secret string
	http   *http.Client
	now    func() time.Time
}

func New(endpoint, bucket, keyID, secret string) (*Client, error) {
	endpoint, bucket = strings.TrimSpace(endpoint), strings.TrimSpace(bucket)
	keyID, secret = strings.TrimSpace(keyID), strings.TrimSpace(secret)
	if endpoint == "" || bucket == "" || keyID == "" || secret == "" {
		return nil, errors.New("r2s3: endpoint, bucket and credentials are required")
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	u, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("r2s3: bad endpoint %q", endpoint)
	}
	return &Client{
		base:   u,
		bucket: bucket,
		keyID:  keyID,
		secret: secret,
		http:   &http.Client{Timeout: 2 * time.Minute},
		now:    time.Now,
	}, nil
}

func (c *Client) Bucket() string { return c.bucket }

// PutFile uploads localPath as key. The file is hashed first, then streamed.
func (c *Client) PutFile(ctx context.Context, key, localPath string) error {
	key = normalizeObjectKey(key)
	if key == "" {
		return errors.New("r2s3: empty object key")
	}
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if !st.Mode().IsRegular() {
		return fmt.Errorf("r2s3: %s is not a regular file", localPath)
	}
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	target := *c.base
	target.Path = c.base.Path + "/" + c.bucket + "/" + key
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.String(), f)
	if err != nil {
		return err
	}
	req.ContentLength = st.Size()
	req.Header.Set("Content-Type", contentType(key))
	c.sign(req, hex.EncodeToString(h.Sum(nil)))

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("r2s3: put %s: %s: %s", key, resp.Status, bytes.TrimSpace(msg))
}

// sign sets the SigV4 headers; host, payload hash and date are signed.
func (c *Client) sign(req *http.Request, payloadHash string) {
	stamp := c.now().UTC().Format("20060102T150405Z")
	day := stamp[:8]
	req.Header.Set("x-amz-content-sha256", payloadHash)
	req.Header.Set("x-amz-date", stamp)

	const signed = "host;x-amz-content-sha256;x-amz-date"
	canonical := fmt.Sprintf("%s\n%s\n\nhost:%s\nx-amz-content-sha256:%s\nx-amz-date:%s\n\n%s\n%s",
		req.Method, req.URL.EscapedPath(), req.URL.Host, payloadHash, stamp, signed, payloadHash)
	scope := day + "/auto/s3/aws4_request"
	digest := sha256.Sum256([]byte(canonical))
	toSign := "AWS4-HMAC-SHA256\n" + stamp + "\n" + scope + "\n" + hex.EncodeToString(digest[:])

	k := []byte("AWS4" + c.secret)
	for _, part := range []string{day, "auto", "s3", "aws4_request"} {
		k = hmacSum(k, part)
	}
	req.Header.Set("Authorization", fmt.Sprintf("AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%x",
		c.keyID, scope, signed, hmacSum(k, toSign)))
}

func hmacSum(key []byte, data string) []byte {
	m := hmac.New(sha256.New, key)
	m.Write([]byte(data))
	return m.Sum(nil)
}

// Region tables and logs are zstd streams; anything else is opaque.
func contentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".jsonl.zst"):
		return "application/x-ndjson"
	case strings.HasSuffix(key, ".zst"):
		return "application/zstd"
	default:
		return "application/octet-stream"
	}
}

// normalizeObjectKey cleans key into a relative slash path, or "" when
// nothing is left.
func normalizeObjectKey(key string) string {
	key = strings.TrimSpace(strings.ReplaceAll(key, "\\", "/"))
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	if clean == "." {
		return ""
	}
	return clean
}
