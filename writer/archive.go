package writer

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	parquetwriter "github.com/xitongsys/parquet-go/writer"

	"depthflow/config"
	"depthflow/internal/channel"
	"depthflow/logger"
	"depthflow/models"
)

// bookRecord defines the parquet schema for archived order book rows.
type bookRecord struct {
	Symbol   string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Time     int64   `parquet:"name=time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Price    string  `parquet:"name=price_level, type=BYTE_ARRAY, convertedtype=UTF8"`
	Quantity float64 `parquet:"name=quantity, type=DOUBLE"`
	Side     string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	UpdateID int64   `parquet:"name=update_id, type=INT64"`
}

// memFileWriter adapts a byte buffer to the parquet source interface.
type memFileWriter struct{ buffer *bytes.Buffer }

func newMemFileWriter() *memFileWriter { return &memFileWriter{buffer: &bytes.Buffer{}} }

func (m *memFileWriter) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFileWriter) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFileWriter) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFileWriter) Read([]byte) (int, error)                  { return 0, nil }
func (m *memFileWriter) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFileWriter) Close() error                              { return nil }
func (m *memFileWriter) Bytes() []byte                             { return m.buffer.Bytes() }

// ArchiveWriter uploads reconstructed book states to S3 as snappy parquet
// objects partitioned by symbol and hour. It keeps its own router
// subscription and ignores trade and liquidation events; the long-term
// archive only covers book depth.
type ArchiveWriter struct {
	cfg         *config.Config
	sub         *channel.Subscription
	s3Client    *s3.Client
	buffer      map[string][]bookRecord
	mu          sync.Mutex
	flushTicker *time.Ticker
	ctx         context.Context
	wg          *sync.WaitGroup
	running     bool
	log         *logger.Log
}

// NewArchiveWriter initializes the archive writer with AWS credentials.
func NewArchiveWriter(cfg *config.Config, sub *channel.Subscription) (*ArchiveWriter, error) {
	ctx := context.Background()
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Storage.S3.Region)}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})
	return &ArchiveWriter{
		cfg:      cfg,
		sub:      sub,
		s3Client: s3Client,
		buffer:   make(map[string][]bookRecord),
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}, nil
}

// Start launches the drain worker and flush ticker.
func (w *ArchiveWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("archive writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.flushTicker = time.NewTicker(w.cfg.Storage.S3.FlushInterval)
	w.mu.Unlock()

	w.wg.Add(1)
	go w.worker()

	w.wg.Add(1)
	go w.flushLoop()

	w.log.WithComponent("archive_writer").Info("archive writer started")
	return nil
}

// Stop waits for workers and flushes remaining data.
func (w *ArchiveWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}
	w.wg.Wait()
	w.flushBuffers()
	w.log.WithComponent("archive_writer").Info("archive writer stopped")
}

func (w *ArchiveWriter) worker() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.sub.Events():
			if !ok {
				return
			}
			if event.Kind != models.KindBook || event.Book == nil {
				continue
			}
			w.addBook(event.Book)
		}
	}
}

func (w *ArchiveWriter) addBook(book *models.OrderBook) {
	records := make([]bookRecord, 0, len(book.Bids)+len(book.Asks))
	for _, row := range book.Rows() {
		records = append(records, bookRecord{
			Symbol:   book.Symbol,
			Time:     row.Time,
			Price:    row.Price,
			Quantity: row.Quantity,
			Side:     row.Side,
			UpdateID: book.LastUpdateID,
		})
	}

	w.mu.Lock()
	w.buffer[book.Symbol] = append(w.buffer[book.Symbol], records...)
	size := len(w.buffer[book.Symbol])
	w.mu.Unlock()

	if w.cfg.Storage.S3.MaxBuffer > 0 && size >= w.cfg.Storage.S3.MaxBuffer {
		w.flushSymbol(book.Symbol)
	}
}

func (w *ArchiveWriter) flushSymbol(symbol string) {
	w.mu.Lock()
	records, ok := w.buffer[symbol]
	if !ok || len(records) == 0 {
		w.mu.Unlock()
		return
	}
	delete(w.buffer, symbol)
	w.mu.Unlock()

	w.writeBatch(symbol, records)
}

func (w *ArchiveWriter) flushLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			w.flushBuffers()
			return
		case <-w.flushTicker.C:
			w.flushBuffers()
		}
	}
}

func (w *ArchiveWriter) flushBuffers() {
	w.mu.Lock()
	buffers := w.buffer
	w.buffer = make(map[string][]bookRecord)
	w.mu.Unlock()

	for symbol, records := range buffers {
		if len(records) == 0 {
			continue
		}
		w.writeBatch(symbol, records)
	}
}

func (w *ArchiveWriter) writeBatch(symbol string, records []bookRecord) {
	start := time.Now()
	data, err := w.createParquet(records)
	if err != nil {
		w.log.WithComponent("archive_writer").WithError(err).Error("create parquet failed")
		return
	}
	key := w.s3Key(symbol, start)
	if err := w.upload(key, data); err != nil {
		w.log.WithComponent("archive_writer").WithError(err).Error("upload to s3 failed")
		return
	}
	duration := time.Since(start)
	fields := logger.Fields{
		"s3_key":      key,
		"records":     len(records),
		"bytes":       len(data),
		"duration_ms": float64(duration.Nanoseconds()) / 1e6,
	}
	if duration > 0 {
		fields["throughput_bytes_per_sec"] = float64(len(data)) / duration.Seconds()
	}
	w.log.WithComponent("archive_writer").WithFields(fields).Info("book batch archived")
}

func (w *ArchiveWriter) createParquet(records []bookRecord) ([]byte, error) {
	mw := newMemFileWriter()
	pw, err := parquetwriter.NewParquetWriter(mw, new(bookRecord), 4)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, rec := range records {
		if err := pw.Write(rec); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mw.Bytes(), nil
}

func (w *ArchiveWriter) upload(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(w.cfg.Storage.S3.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	ctx := context.WithoutCancel(w.ctx)
	_, err := w.s3Client.PutObject(ctx, input)
	return err
}

func (w *ArchiveWriter) s3Key(symbol string, timestamp time.Time) string {
	parts := []string{fmt.Sprintf("symbol=%s", symbol)}

	timePath := w.cfg.Storage.S3.TimeFormat
	timePath = strings.ReplaceAll(timePath, "{year}", fmt.Sprintf("%04d", timestamp.Year()))
	timePath = strings.ReplaceAll(timePath, "{month}", fmt.Sprintf("%02d", int(timestamp.Month())))
	timePath = strings.ReplaceAll(timePath, "{day}", fmt.Sprintf("%02d", timestamp.Day()))
	timePath = strings.ReplaceAll(timePath, "{hour}", fmt.Sprintf("%02d", timestamp.Hour()))
	parts = append(parts, timePath)

	filename := fmt.Sprintf("book_%s_%s_%d.parquet", symbol, uuid.New().String(), timestamp.UnixNano())
	return filepath.ToSlash(filepath.Join(append(parts, filename)...))
}
