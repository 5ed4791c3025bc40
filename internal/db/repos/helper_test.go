package repos

import (
	"context"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/macrea/crmbatch/internal/db/models"
)

// DBRepositoryTestSuite provides a base test suite for repository tests
type DBRepositoryTestSuite struct {
	suite.Suite
	db      *gorm.DB
	ctx     context.Context
	jobRepo *BatchJobRepository
}

func (s *DBRepositoryTestSuite) SetupTest() {
	// Create new in-memory database with JSON support
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared&_json=1"), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
	require.NoError(s.T(), err, "Failed to create in-memory database")

	// Run migrations
	err = db.AutoMigrate(&models.BatchJob{})
	require.NoError(s.T(), err, "Failed to run database migrations")

	s.db = db
	s.jobRepo = NewBatchJobRepository(s.db)
	s.ctx = context.Background()
}

func (s *DBRepositoryTestSuite) TearDownTest() {
	sqlDB, err := s.db.DB()
	if err == nil && sqlDB != nil {
		_ = sqlDB.Close()
	}
}

// Helper methods for creating test data

func (s *DBRepositoryTestSuite) createTestJob(tenantID string, status models.JobStatus) *models.BatchJob {
	job := &models.BatchJob{
		TenantID:      tenantID,
		JobType:       models.JobTypeBulkUpdate,
		OperationName: "Update 3 leads",
		OperationData: &models.OperationData{
			RecordIDs: []string{"rec-1", "rec-2", "rec-3"},
			Updates:   map[string]string{"status": "customer"},
		},
		Status:     status,
		TotalItems: 3,
	}
	s.Require().NoError(s.jobRepo.Create(s.ctx, job))
	return job
}
