package seed

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	fulfillmentdomain "github.com/smallbiznis/coursepay/internal/fulfillment/domain"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:seed_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&fulfillmentdomain.Course{},
		&fulfillmentdomain.Test{},
		&fulfillmentdomain.TestCode{},
	))
	return db
}

func TestEnsureCatalogIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	catalog := DemoCatalog()
	require.NoError(t, EnsureCatalog(context.Background(), db, node, catalog))
	require.NoError(t, EnsureCatalog(context.Background(), db, node, DemoCatalog()))

	var courses, tests, codes int64
	require.NoError(t, db.Model(&fulfillmentdomain.Course{}).Count(&courses).Error)
	require.NoError(t, db.Model(&fulfillmentdomain.Test{}).Count(&tests).Error)
	require.NoError(t, db.Model(&fulfillmentdomain.TestCode{}).Count(&codes).Error)
	assert.Equal(t, int64(len(catalog.Courses)), courses)
	assert.Equal(t, int64(len(catalog.Tests)), tests)
	assert.Equal(t, int64(len(catalog.Codes)), codes)
}

func TestEnsureCatalogKeepsAssignedCodes(t *testing.T) {
	db := setupTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	catalog := DemoCatalog()
	require.NoError(t, EnsureCatalog(context.Background(), db, node, catalog))

	first := catalog.Codes[0].Code
	require.NoError(t, db.Exec(
		`UPDATE test_codes SET status = ?, user_id = ? WHERE code = ?`,
		fulfillmentdomain.CodeStatusAssigned, "u1", first,
	).Error)

	require.NoError(t, EnsureCatalog(context.Background(), db, node, DemoCatalog()))

	var stored fulfillmentdomain.TestCode
	require.NoError(t, db.Where("code = ?", first).First(&stored).Error)
	assert.Equal(t, fulfillmentdomain.CodeStatusAssigned, stored.Status)
	require.NotNil(t, stored.UserID)
	assert.Equal(t, "u1", *stored.UserID)
}

func TestEnsureCatalogRequiresHandles(t *testing.T) {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	assert.Error(t, EnsureCatalog(context.Background(), nil, node, Catalog{}))
	assert.Error(t, EnsureCatalog(context.Background(), setupTestDB(t), nil, Catalog{}))
}
