package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	appconfig "arbiflow/config"
	"arbiflow/internal/channel"
	"arbiflow/logger"
	"arbiflow/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// OpportunityWriter drains the opportunity channel, accumulates batches
// and uploads each batch as a JSON-lines object to S3. A batch is flushed
// when it reaches the configured size or when the flush interval elapses,
// whichever comes first.
type OpportunityWriter struct {
	config   *appconfig.Config
	channels *channel.Channels
	client   *s3.Client

	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	// Metrics
	batchesWritten int64
	rowsWritten    int64
	errorsCount    int64
}

// NewOpportunityWriter configures the AWS SDK and builds the S3 client.
// Static credentials from the config take precedence over the default
// provider chain.
func NewOpportunityWriter(cfg *appconfig.Config, channels *channel.Channels) (*OpportunityWriter, error) {
	log := logger.GetLogger()
	ctx := context.Background()

	loadOpts := []func(*awscfg.LoadOptions) error{awscfg.WithRegion(cfg.Storage.S3.Region)}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsConfig, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("opportunity_writer").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	w := &OpportunityWriter{
		config:   cfg,
		channels: channels,
		client:   s3.NewFromConfig(awsConfig),
		log:      log,
	}

	log.WithComponent("opportunity_writer").WithFields(logger.Fields{
		"bucket": cfg.Storage.S3.Bucket,
		"prefix": cfg.Storage.S3.Prefix,
	}).Info("opportunity writer initialized")
	return w, nil
}

// Start launches the consume loop.
func (w *OpportunityWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("opportunity writer already running")
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.consumeLoop(ctx)

	w.log.WithComponent("opportunity_writer").Info("opportunity writer started")
	return nil
}

// Stop waits for the consume loop to drain and flush its final batch.
func (w *OpportunityWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.wg.Wait()
	w.log.WithComponent("opportunity_writer").WithFields(logger.Fields{
		"batches_written": atomic.LoadInt64(&w.batchesWritten),
		"rows_written":    atomic.LoadInt64(&w.rowsWritten),
		"errors":          atomic.LoadInt64(&w.errorsCount),
	}).Info("opportunity writer stopped")
}

func (w *OpportunityWriter) consumeLoop(ctx context.Context) {
	defer w.wg.Done()
	log := w.log.WithComponent("opportunity_writer").WithFields(logger.Fields{"worker": "consume_loop"})

	batchSize := w.config.Storage.S3.BatchSize
	pending := make([]models.Opportunity, 0, batchSize)

	flushTicker := time.NewTicker(w.config.Storage.S3.FlushInterval)
	defer flushTicker.Stop()

	flush := func() {
		if len(pending) == 0 {
			return
		}
		w.writeBatch(pending)
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case op, ok := <-w.channels.Opportunities:
			if !ok {
				flush()
				log.Info("opportunity channel closed")
				return
			}
			pending = append(pending, op)
			if len(pending) >= batchSize {
				flush()
			}
		case <-flushTicker.C:
			flush()
		}
	}
}

// writeBatch uploads one batch as newline-delimited JSON. Keys are
// partitioned by date so downstream queries can prune by day.
func (w *OpportunityWriter) writeBatch(ops []models.Opportunity) {
	batch := models.OpportunityBatch{
		BatchID:       uuid.New().String(),
		Opportunities: ops,
		RecordCount:   len(ops),
		CreatedAt:     time.Now().UTC(),
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, op := range batch.Opportunities {
		if err := enc.Encode(op); err != nil {
			atomic.AddInt64(&w.errorsCount, 1)
			w.log.WithComponent("opportunity_writer").WithError(err).Warn("failed to encode opportunity")
			return
		}
	}

	key := fmt.Sprintf("%s/%s/opportunities-%s.jsonl",
		w.config.Storage.S3.Prefix,
		batch.CreatedAt.Format("2006-01-02"),
		batch.BatchID,
	)

	putCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := w.client.PutObject(putCtx, &s3.PutObjectInput{
		Bucket:      aws.String(w.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		atomic.AddInt64(&w.errorsCount, 1)
		w.log.WithComponent("opportunity_writer").WithError(err).WithFields(logger.Fields{
			"key":     key,
			"records": batch.RecordCount,
		}).Error("failed to upload opportunity batch")
		return
	}

	atomic.AddInt64(&w.batchesWritten, 1)
	atomic.AddInt64(&w.rowsWritten, int64(batch.RecordCount))
	w.log.WithComponent("opportunity_writer").WithFields(logger.Fields{
		"key":     key,
		"records": batch.RecordCount,
	}).Debug("uploaded opportunity batch")
}
