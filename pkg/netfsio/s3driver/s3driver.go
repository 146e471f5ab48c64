// Package s3driver implements netfsio.Ops by issuing ranged GetObject
// requests against S3, grounded on the store's own retry/backoff and
// error-classification conventions.
package s3driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/coldmesh/netfs/internal/logger"
	"github.com/coldmesh/netfs/pkg/netfsio"
	"github.com/coldmesh/netfs/pkg/payload/block"
)

// RetryConfig controls the backoff schedule for transient S3 failures.
type RetryConfig struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        5 * time.Second,
	}
}

// KeyFunc maps a netfsio.FileID to the S3 object key holding its data.
type KeyFunc func(netfsio.FileID) string

// Driver is the Ops implementation backing reads from S3.
type Driver struct {
	client  *s3.Client
	bucket  string
	keyFunc KeyFunc
	retry   RetryConfig
}

func New(client *s3.Client, bucket string, keyFunc KeyFunc, retry RetryConfig) *Driver {
	return &Driver{client: client, bucket: bucket, keyFunc: keyFunc, retry: retry}
}

// InitRequest has nothing driver-private to attach; the S3 client and
// bucket are already fixed at construction.
func (d *Driver) InitRequest(req *netfsio.Request, file netfsio.FileID) error {
	return nil
}

// IsCacheEnabled always defers to whatever CacheResources the Session
// was constructed with; the driver itself carries no cache opinion.
func (d *Driver) IsCacheEnabled(file netfsio.FileID) bool {
	return true
}

// ExpandReadahead rounds the readahead window out to block boundaries,
// since a GetObject range aligned to the storage unit amortizes request
// overhead the same way a block-aligned read does on the write side.
func (d *Driver) ExpandReadahead(file netfsio.FileID, start, length, iSize uint64) (uint64, uint64) {
	newStart := alignDown(start, block.Size)
	end := alignUp(start+length, block.Size)
	if end > iSize {
		end = iSize
	}
	if end <= newStart {
		return start, length
	}
	return newStart, end - newStart
}

// IssueOp dispatches a ranged GetObject for sreq's byte range.
func (d *Driver) IssueOp(ctx context.Context, sreq *netfsio.Subrequest, terminator netfsio.Terminator) {
	go d.issue(ctx, sreq, terminator)
}

func (d *Driver) issue(ctx context.Context, sreq *netfsio.Subrequest, terminator netfsio.Terminator) {
	if err := ctx.Err(); err != nil {
		terminator(sreq, 0, err)
		return
	}

	key := d.keyFunc(sreq.File())
	end := sreq.Start + sreq.Len - 1
	rangeStr := fmt.Sprintf("bytes=%d-%d", sreq.Start, end)

	var result *s3.GetObjectOutput
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= d.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := d.calculateBackoff(attempt - 1)
			logger.Debug("s3driver: retrying range read",
				logger.RequestFileID(string(sreq.File())),
				logger.SubreqIndex(sreq.Index),
				logger.Count(uint32(attempt)))

			select {
			case <-ctx.Done():
				terminator(sreq, 0, ctx.Err())
				return
			case <-time.After(backoff):
			}
		}

		attempts++
		result, lastErr = d.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(d.bucket),
			Key:    aws.String(key),
			Range:  aws.String(rangeStr),
		})
		if lastErr == nil {
			break
		}

		if isNotFoundError(lastErr) {
			terminator(sreq, 0, fmt.Errorf("s3driver: object %s: %w", key, lastErr))
			return
		}
		if isInvalidRangeError(lastErr) {
			// The object is shorter than the requested range: flag
			// clear-tail and report a zero-byte transfer so the
			// aggregator's short-read/clear-tail path fills the remainder
			// with zeros.
			sreq.SetFlag(netfsio.SreqClearTail)
			terminator(sreq, 0, nil)
			return
		}
		if !isRetryableError(lastErr) {
			break
		}
	}

	if lastErr != nil {
		terminator(sreq, 0, fmt.Errorf("s3driver: get object after %d attempts: %w", attempts, lastErr))
		return
	}

	defer result.Body.Close()

	n, err := io.ReadFull(result.Body, sreq.Buf[:sreq.Len])
	if errors.Is(err, io.ErrUnexpectedEOF) {
		terminator(sreq, n, nil)
		return
	}
	terminator(sreq, n, err)
}

func (d *Driver) calculateBackoff(attempt int) time.Duration {
	backoff := float64(d.retry.InitialBackoff)
	for i := 0; i < attempt; i++ {
		backoff *= d.retry.BackoffMultiplier
	}
	if backoff > float64(d.retry.MaxBackoff) {
		backoff = float64(d.retry.MaxBackoff)
	}
	return time.Duration(backoff)
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch code {
		case "Throttling", "ThrottlingException", "RequestThrottled", "SlowDown",
			"ProvisionedThroughputExceededException":
			return true
		case "InternalError", "ServiceUnavailable", "ServiceException", "InternalServiceException":
			return true
		case "NoSuchKey", "NotFound", "AccessDenied", "Forbidden", "InvalidRange", "InvalidRequest":
			return false
		}
	}

	errStr := err.Error()
	return strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "500")
}

func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}

	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" {
			return true
		}
	}

	errStr := err.Error()
	return strings.Contains(errStr, "StatusCode: 404") ||
		strings.Contains(errStr, "NotFound") ||
		strings.Contains(errStr, "NoSuchKey")
}

func isInvalidRangeError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "InvalidRange"
	}
	return strings.Contains(err.Error(), "InvalidRange")
}

func alignDown(v uint64, align int) uint64 {
	a := uint64(align)
	return v - v%a
}

func alignUp(v uint64, align int) uint64 {
	a := uint64(align)
	return alignDown(v+a-1, align)
}
