// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clinical-rag-go/internal/config"
	"clinical-rag-go/internal/handler"
	"clinical-rag-go/internal/middleware"
	"clinical-rag-go/internal/pipeline"
	"clinical-rag-go/internal/repository"
	"clinical-rag-go/internal/service"
	"clinical-rag-go/internal/splitter"
	"clinical-rag-go/internal/status"
	"clinical-rag-go/pkg/cache"
	"clinical-rag-go/pkg/database"
	"clinical-rag-go/pkg/embedding"
	"clinical-rag-go/pkg/es"
	"clinical-rag-go/pkg/kafka"
	"clinical-rag-go/pkg/log"
	"clinical-rag-go/pkg/storage"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis、对象存储
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	storage.InitMinIO(cfg.MinIO)

	// Elasticsearch 不可用时降级为进程内向量检索，不阻塞启动
	index, err := es.Init(cfg.Elasticsearch, cfg.Embedding.Dimensions)
	if err != nil {
		log.Errorf("Elasticsearch 初始化失败, 检索将退回进程内计算: %v", err)
		index = nil
	}
	kafka.InitProducer(cfg.Kafka)

	// 4. 初始化 Repository
	docRepo := repository.NewDocumentRepository(database.DB)
	chunkRepo := repository.NewChunkRepository(database.DB)

	// 5. 初始化状态跟踪器与各业务组件 (依赖注入)
	statusCache := cache.NewRedisCache(database.RDB, "docstatus")
	tracker := status.NewTracker(docRepo, statusCache)
	tracker.Subscribe(func(signal status.CompleteSignal) {
		log.Infow("文档处理结束",
			"docID", signal.DocumentID,
			"orgID", signal.OrgID,
			"status", string(signal.Status),
			"error", signal.Error,
		)
	})

	provider := embedding.NewProvider(cfg.Embedding)
	embedClient := embedding.NewClient(provider, cfg.Embedding)
	batchEmbedder := embedding.NewBatchEmbedder(embedClient, embedding.BatchOptions{
		BatchSize:   cfg.Pipeline.BatchSize,
		Concurrency: cfg.Pipeline.Concurrency,
		MaxRetries:  cfg.Pipeline.MaxRetries,
	})
	textSplitter := splitter.New(splitter.Config{
		ChunkSize:    cfg.Splitter.ChunkSize,
		ChunkOverlap: cfg.Splitter.ChunkOverlap,
	})

	documentService := service.NewDocumentService(docRepo, chunkRepo, tracker, index, cfg.MinIO)
	searchService := service.NewSearchService(index, chunkRepo, docRepo, embedClient)

	// 6. 初始化文档处理管道 (Processor)
	loadText := func(ctx context.Context, documentID string) (string, error) {
		return storage.LoadDocumentText(ctx, cfg.MinIO.BucketName, documentID)
	}
	processor := pipeline.NewProcessor(
		docRepo,
		chunkRepo,
		tracker,
		textSplitter,
		embedClient,
		batchEmbedder,
		index,
		loadText,
		cfg.Pipeline,
	)

	// 7. 启动后台 Kafka 消费者
	go kafka.StartConsumer(cfg.Kafka, processor)

	// 8. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 9. 注册路由
	documentHandler := handler.NewDocumentHandler(documentService)
	searchHandler := handler.NewSearchHandler(searchService, embedClient, cfg.Search)
	progressHandler := handler.NewProgressHandler(documentService, tracker)

	apiV1 := r.Group("/api/v1")
	apiV1.Use(middleware.OrgScope())
	{
		documents := apiV1.Group("/documents")
		{
			documents.POST("", documentHandler.Upload)
			documents.GET("/:id", documentHandler.Get)
			documents.POST("/:id/process", documentHandler.Process)
			documents.GET("/:id/status", documentHandler.Status)
			documents.DELETE("/:id", documentHandler.Delete)
		}

		search := apiV1.Group("/search")
		{
			search.GET("/semantic", searchHandler.SemanticSearch)
			search.POST("/rag", searchHandler.RagSearch)
		}
	}
	// WebSocket 进度订阅不走 OrgScope 中间件，org 标识从查询参数兜底
	r.GET("/api/v1/documents/:id/progress", progressHandler.Handle)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}
