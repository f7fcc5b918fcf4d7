package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"voxelstack.ai/internal/persistence/r2s3"
)

type mirrorRuntime struct {
	mirror *r2s3.Mirror
}

// buildMirrorRuntime copies region files and finished log files to an
// S3-compatible bucket when VS_R2_MIRROR is set.
func buildMirrorRuntime(dataDir string, logger *log.Logger) (*mirrorRuntime, error) {
	if !envBool("VS_R2_MIRROR", false) {
		return &mirrorRuntime{}, nil
	}

	endpoint := strings.TrimSpace(os.Getenv("VS_R2_ENDPOINT"))
	bucket := strings.TrimSpace(os.Getenv("VS_R2_BUCKET"))
	accessKeyID := strings.TrimSpace(os.Getenv("VS_R2_ACCESS_KEY_ID"))
	secretAccessKey := strings.TrimSpace(os.Getenv("VS_R2_SECRET_ACCESS_KEY"))
	prefix := strings.TrimSpace(os.Getenv("VS_R2_PREFIX"))

	if endpoint == "" || bucket == "" || accessKeyID == "" || secretAccessKey == "" {
		return nil, fmt.Errorf("VS_R2_MIRROR=true but VS_R2_ENDPOINT/VS_R2_BUCKET/VS_R2_ACCESS_KEY_ID/VS_R2_SECRET_ACCESS_KEY are not fully set")
	}

	client, err := r2s3.New(endpoint, bucket, accessKeyID, secretAccessKey)
	if err != nil {
		return nil, err
	}
	workers := envInt("VS_R2_UPLOAD_WORKERS", 2)
	queue := envInt("VS_R2_QUEUE", 2048)
	logger.Printf("mirror: uploading %s to bucket=%s prefix=%q workers=%d", dataDir, client.Bucket(), prefix, workers)
	return &mirrorRuntime{mirror: r2s3.NewMirror(client, dataDir, prefix, workers, queue, logger)}, nil
}

func (r *mirrorRuntime) enabled() bool { return r != nil && r.mirror != nil }

func (r *mirrorRuntime) Enqueue(localPath string) {
	if !r.enabled() {
		return
	}
	r.mirror.Enqueue(localPath)
}

func (r *mirrorRuntime) Stats() r2s3.Stats {
	if !r.enabled() {
		return r2s3.Stats{}
	}
	return r.mirror.Stats()
}

func (r *mirrorRuntime) Close() {
	if !r.enabled() {
		return
	}
	r.mirror.Close()
}
