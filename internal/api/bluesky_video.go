package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	appbsky "github.com/bluesky-social/indigo/api/bsky"
	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/logging"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/models"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/retry"
)

const (
	jobStateCompleted = "JOB_STATE_COMPLETED"
	jobStateFailed    = "JOB_STATE_FAILED"
)

// videoJob is the video service's reply to an upload. The service returns the
// job status either bare or wrapped in jobStatus, and reports duplicates as an
// already_exists error that still names the job.
type videoJob struct {
	JobID     string           `json:"jobId"`
	State     string           `json:"state"`
	Blob      *lexutil.LexBlob `json:"blob,omitempty"`
	Error     string           `json:"error,omitempty"`
	Message   string           `json:"message,omitempty"`
	JobStatus *videoJob        `json:"jobStatus,omitempty"`
}

func (j *videoJob) status() *videoJob {
	if j.JobStatus != nil {
		return j.JobStatus
	}
	return j
}

// UploadVideo submits data to the video service and waits for the processed
// blob. A submission the service already knows resumes polling of the
// existing job instead of uploading again.
func (bsc *BlueskyClient) UploadVideo(ctx context.Context, data []byte, filename string) (*lexutil.LexBlob, error) {
	if err := bsc.checkAuth(); err != nil {
		return nil, err
	}
	if err := bsc.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	token, err := bsc.serviceToken(ctx)
	if err != nil {
		return nil, err
	}
	job, err := bsc.submitVideo(ctx, token, data, filename)
	if err != nil {
		return nil, err
	}
	if job.Blob != nil {
		return job.Blob, nil
	}
	if job.JobID == "" {
		return nil, fmt.Errorf("video service returned neither a blob nor a job id")
	}
	logging.Info("Video %s submitted as job %s, polling for completion", filename, job.JobID)
	return bsc.awaitVideoJob(ctx, job.JobID)
}

// serviceToken obtains a short-lived token the video service uses to upload
// the processed blob to our PDS on our behalf.
func (bsc *BlueskyClient) serviceToken(ctx context.Context) (string, error) {
	u, err := url.Parse(bsc.cfg.Host)
	if err != nil {
		return "", fmt.Errorf("invalid PDS host %q: %w", bsc.cfg.Host, err)
	}
	aud := "did:web:" + u.Hostname()
	exp := time.Now().Add(30 * time.Minute).Unix()

	var out *comatproto.ServerGetServiceAuth_Output
	err = bsc.withSession(ctx, func() error {
		var err error
		out, err = comatproto.ServerGetServiceAuth(ctx, bsc.client, aud, exp, "com.atproto.repo.uploadBlob")
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to get video service token: %w", err)
	}
	return out.Token, nil
}

func (bsc *BlueskyClient) submitVideo(ctx context.Context, token string, data []byte, filename string) (*videoJob, error) {
	q := url.Values{}
	q.Set("did", bsc.DID())
	q.Set("name", filename)
	endpoint := strings.TrimRight(bsc.cfg.VideoService, "/") + "/xrpc/app.bsky.video.uploadVideo?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create video upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "video/mp4")
	req.ContentLength = int64(len(data))

	resp, err := bsc.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, models.Transient(fmt.Errorf("video upload failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, models.Transient(fmt.Errorf("failed to read video upload response: %w", err))
	}
	var job videoJob
	if len(body) > 0 {
		if err := json.Unmarshal(body, &job); err != nil && resp.StatusCode < 300 {
			return nil, fmt.Errorf("failed to decode video upload response: %w", err)
		}
	}
	st := job.status()

	switch {
	case resp.StatusCode < 300:
		if st.State == jobStateFailed {
			return nil, fmt.Errorf("video processing failed: %s", firstNonEmpty(st.Message, st.Error))
		}
		return st, nil
	case st.Error == "already_exists" && st.JobID != "":
		logging.Info("Video already submitted as job %s, resuming", st.JobID)
		return &videoJob{JobID: st.JobID}, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden ||
		isUnverifiedMessage(st.Message) || rejectionCodes[st.Error]:
		return nil, models.Rejected(firstNonEmpty(st.Message, st.Error, resp.Status), nil)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, models.Transient(fmt.Errorf("video upload failed: %s: %s", resp.Status, firstNonEmpty(st.Message, st.Error)))
	default:
		return nil, fmt.Errorf("video upload failed: %s: %s", resp.Status, firstNonEmpty(st.Message, st.Error))
	}
}

// awaitVideoJob polls the job until it completes, fails, or the poll ceiling
// is reached.
func (bsc *BlueskyClient) awaitVideoJob(ctx context.Context, jobID string) (*lexutil.LexBlob, error) {
	vc := &xrpc.Client{Host: bsc.cfg.VideoService, Client: bsc.cfg.HTTPClient}

	var blob *lexutil.LexBlob
	err := retry.Poll(ctx, bsc.cfg.VideoPoll, func(ctx context.Context, attempt int) (bool, error) {
		out, err := appbsky.VideoGetJobStatus(ctx, vc, jobID)
		if err != nil {
			if models.IsTransient(Classify(err)) {
				logging.Debug("Video job %s status check %d failed: %v", jobID, attempt, err)
				return false, nil
			}
			return false, fmt.Errorf("failed to get video job status: %w", Classify(err))
		}
		st := out.JobStatus
		if st == nil {
			return false, nil
		}
		switch {
		case st.Blob != nil:
			blob = st.Blob
			return true, nil
		case st.State == jobStateFailed:
			msg := ""
			if st.Error != nil {
				msg = *st.Error
			}
			return false, fmt.Errorf("video job %s failed: %s", jobID, msg)
		case st.State == jobStateCompleted:
			return false, fmt.Errorf("video job %s completed without a blob", jobID)
		}
		return false, nil
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, retry.ErrExhausted) {
			return nil, fmt.Errorf("video job %s did not finish after %d polls: %w", jobID, bsc.cfg.VideoPoll.Attempts, err)
		}
		return nil, err
	}
	logging.Info("Video job %s completed", jobID)
	return blob, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
