// Package config loads auditd configuration.
//
// Values come from three layers, later ones winning: built-in defaults, an
// optional YAML file named by AUDITD_CONFIG_FILE, and AUDITD_* environment
// variables.
//
// Server settings:
//
//	AUDITD_HOST="0.0.0.0"
//	AUDITD_PORT="8080"
//	AUDITD_HEALTH_PORT="9090"
//	AUDITD_SHUTDOWN_TIMEOUT="30s"
//
// Storage settings:
//
//	AUDITD_STORAGE_TYPE="postgres"  # memory, postgres, sqlite, redis, file
//	AUDITD_POSTGRES_URL="postgres://localhost/audits?sslmode=disable"
//	AUDITD_SQLITE_PATH="/var/lib/auditd/audits.db"
//	AUDITD_REDIS_URL="redis://localhost:6379/0"
//	AUDITD_FILE_PATH="/var/lib/auditd/audits.ndjson"
//
// Archive settings (auditd-archiver only):
//
//	AUDITD_ARCHIVE_SCHEDULE="30 0 * * *"
//	AUDITD_S3_BUCKET="audit-archive"
//	AUDITD_S3_PREFIX="audits"
//	AUDITD_S3_ENDPOINT="http://localhost:9000"  # MinIO
//
// Observability settings:
//
//	AUDITD_LOG_LEVEL="info"
//	AUDITD_METRICS_ENABLED="true"
//	AUDITD_OTEL_ENABLED="false"
//	AUDITD_OTEL_ENDPOINT="localhost:4317"
//
// The same settings in YAML:
//
//	server:
//	  port: "8080"
//	  shutdown_timeout: 30s
//	storage:
//	  type: redis
//	  redis_url: redis://cache:6379/0
//	observability:
//	  log_level: debug
package config
