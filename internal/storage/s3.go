package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"task-manager/internal/domain"
)

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type lister interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Options configures where archived tasks land.
type S3Options struct {
	Bucket    string
	KeyPrefix string
	Logger    logrus.FieldLogger
}

// S3Service writes removed tasks to Amazon S3 (or compatible APIs).
type S3Service struct {
	client    lister
	uploader  uploader
	bucket    string
	keyPrefix string
	breaker   *gobreaker.CircuitBreaker
	logger    logrus.FieldLogger
}

func NewS3Service(client *s3.Client, opts S3Options) *S3Service {
	return newS3Service(client, manager.NewUploader(client), opts)
}

func newS3Service(client lister, up uploader, opts S3Options) *S3Service {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	logger = logger.WithField("component", "archive")

	s := &S3Service{
		client:    client,
		uploader:  up,
		bucket:    opts.Bucket,
		keyPrefix: strings.Trim(opts.KeyPrefix, "/"),
		logger:    logger,
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "s3-archive",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	})
	return s
}

type archivedTask struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	StartDate     *time.Time `json:"startDate"`
	DueDate       *time.Time `json:"dueDate"`
	CompletedDate *time.Time `json:"completedDate"`
	CreatedDate   time.Time  `json:"createdDate"`
	UpdatedDate   *time.Time `json:"updatedDate"`
	UserID        string     `json:"userId"`
}

// ObjectKey is the key a task is archived under.
func (s *S3Service) ObjectKey(task domain.Task) string {
	return path.Join(s.keyPrefix, task.UserID.String(), task.ID.String()+".json")
}

func (s *S3Service) ArchiveTask(ctx context.Context, task domain.Task) (string, error) {
	if s.bucket == "" {
		return "", ErrDisabled
	}

	body, err := json.Marshal(archivedTask{
		ID:            task.ID.String(),
		Name:          task.Name,
		Description:   task.Description,
		StartDate:     task.StartDate,
		DueDate:       task.DueDate,
		CompletedDate: task.CompletedDate,
		CreatedDate:   task.CreatedDate,
		UpdatedDate:   task.UpdatedDate,
		UserID:        task.UserID.String(),
	})
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}

	key := s.ObjectKey(task)
	_, err = s.breaker.Execute(func() (interface{}, error) {
		return s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
			ACL:         types.ObjectCannedACLPrivate,
		})
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// ListObjects lists archived objects below the configured key prefix.
func (s *S3Service) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if s.bucket == "" {
		return nil, ErrDisabled
	}

	objects := []ObjectInfo{}
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
	}
	if full := path.Join(s.keyPrefix, strings.TrimSpace(prefix)); full != "" && full != "." {
		input.Prefix = aws.String(full)
	}

	for {
		output, err := s.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}

		for _, obj := range output.Contents {
			objects = append(objects, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: obj.LastModified,
			})
		}

		if !aws.ToBool(output.IsTruncated) || output.NextContinuationToken == nil {
			break
		}
		input.ContinuationToken = output.NextContinuationToken
	}

	return objects, nil
}

var _ Service = (*S3Service)(nil)
