// Package storage 提供了与对象存储服务（如 MinIO）交互的功能。
// 文档的纯文本内容（由上游解析服务提取）以 text/<documentID>.txt 的形式存放在这里，
// 管道只消费纯文本，不负责任何文件格式解析。
package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"clinical-rag-go/internal/config"
	"clinical-rag-go/pkg/log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioClient 是一个全局的 MinIO 客户端实例。
var MinioClient *minio.Client

// InitMinIO 初始化 MinIO 客户端并确保指定的存储桶存在。
func InitMinIO(cfg config.MinIOConfig) {
	var err error

	MinioClient, err = minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		log.Fatal("初始化 MinIO 客户端失败", err)
	}

	log.Info("MinIO 客户端初始化成功")

	// 检查存储桶是否存在，如果不存在则创建
	ctx := context.Background()
	bucketName := cfg.BucketName
	exists, err := MinioClient.BucketExists(ctx, bucketName)
	if err != nil {
		log.Fatal("检查 MinIO 存储桶失败", err)
	}

	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", bucketName)
		if err := MinioClient.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			log.Fatal("创建 MinIO 存储桶失败", err)
		}
		log.Infof("存储桶 '%s' 创建成功", bucketName)
	} else {
		log.Infof("存储桶 '%s' 已存在", bucketName)
	}
}

// textObjectName 返回文档纯文本在桶内的对象名。
func textObjectName(documentID string) string {
	return fmt.Sprintf("text/%s.txt", documentID)
}

// LoadDocumentText 读取文档的纯文本内容。
func LoadDocumentText(ctx context.Context, bucketName, documentID string) (string, error) {
	objectName := textObjectName(documentID)
	object, err := MinioClient.GetObject(ctx, bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("从 MinIO 读取文档文本失败: %w", err)
	}
	defer object.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(object); err != nil {
		return "", fmt.Errorf("读取 MinIO 对象流失败: %w", err)
	}
	return buf.String(), nil
}

// SaveDocumentText 写入文档的纯文本内容（供上游解析服务调用，幂等覆盖）。
func SaveDocumentText(ctx context.Context, bucketName, documentID, content string) error {
	objectName := textObjectName(documentID)
	reader := strings.NewReader(content)
	_, err := MinioClient.PutObject(ctx, bucketName, objectName, reader, int64(reader.Len()), minio.PutObjectOptions{
		ContentType: "text/plain; charset=utf-8",
	})
	if err != nil {
		return fmt.Errorf("写入文档文本到 MinIO 失败: %w", err)
	}
	return nil
}

// DeleteDocumentText 删除文档的纯文本对象。
func DeleteDocumentText(ctx context.Context, bucketName, documentID string) error {
	return MinioClient.RemoveObject(ctx, bucketName, textObjectName(documentID), minio.RemoveObjectOptions{})
}
