package seed

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/smallbiznis/coursepay/internal/config"
	fulfillmentdomain "github.com/smallbiznis/coursepay/internal/fulfillment/domain"
)

var ErrProductionSeed = errors.New("demo catalog cannot be seeded in production")

// Module seeds the demo catalog at startup when SEED_DEMO_CATALOG is set.
// It must be registered after the migration module.
var Module = fx.Module("seed",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, genID *snowflake.Node, log *zap.Logger) error {
		if !cfg.SeedDemoCatalog {
			return nil
		}
		if cfg.IsProduction() {
			return ErrProductionSeed
		}
		if err := EnsureCatalog(context.Background(), conn, genID, DemoCatalog()); err != nil {
			return fmt.Errorf("seed demo catalog: %w", err)
		}
		log.Named("seed").Info("demo catalog ensured")
		return nil
	}),
)

// Catalog is a set of sellable items and the redemption codes backing tests.
type Catalog struct {
	Courses []fulfillmentdomain.Course
	Tests   []fulfillmentdomain.Test
	Codes   []fulfillmentdomain.TestCode
}

func DemoCatalog() Catalog {
	catalog := Catalog{
		Courses: []fulfillmentdomain.Course{
			{ID: "go-fundamentals", Title: "Go Fundamentals", Price: decimal.NewFromInt(50000)},
			{ID: "intro-to-testing", Title: "Intro to Testing", Price: decimal.Zero},
		},
		Tests: []fulfillmentdomain.Test{
			{ID: "ielts-mock", Title: "IELTS Mock Exam", Price: decimal.NewFromInt(20000)},
			{ID: "aptitude-quiz", Title: "Aptitude Quiz", Price: decimal.Zero},
		},
	}
	for _, test := range catalog.Tests {
		for i := 1; i <= 5; i++ {
			catalog.Codes = append(catalog.Codes, fulfillmentdomain.TestCode{
				TestID: test.ID,
				Code:   fmt.Sprintf("DEMO-%s-%03d", test.ID, i),
				Status: fulfillmentdomain.CodeStatusUnused,
			})
		}
	}
	return catalog
}

// EnsureCatalog inserts catalog rows that do not exist yet. Existing items
// and codes, assigned or not, are left untouched.
func EnsureCatalog(ctx context.Context, db *gorm.DB, genID *snowflake.Node, catalog Catalog) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}
	if genID == nil {
		return errors.New("seed id generator is required")
	}

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		insert := tx.Clauses(clause.OnConflict{DoNothing: true})
		for i := range catalog.Courses {
			if err := insert.Create(&catalog.Courses[i]).Error; err != nil {
				return fmt.Errorf("course %s: %w", catalog.Courses[i].ID, err)
			}
		}
		for i := range catalog.Tests {
			if err := insert.Create(&catalog.Tests[i]).Error; err != nil {
				return fmt.Errorf("test %s: %w", catalog.Tests[i].ID, err)
			}
		}
		for i := range catalog.Codes {
			code := catalog.Codes[i]
			if code.ID == 0 {
				code.ID = genID.Generate()
			}
			if code.Status == "" {
				code.Status = fulfillmentdomain.CodeStatusUnused
			}
			if err := insert.Create(&code).Error; err != nil {
				return fmt.Errorf("test code %s: %w", code.Code, err)
			}
		}
		return nil
	})
}
