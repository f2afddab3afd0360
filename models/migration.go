package models

import (
	"log"

	"github.com/mmdatafocus/datapipe_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&IngestionSource{}, &IngestionBatch{}, &RawRecord{},
		&FieldMapping{}, &PromotionRule{},
		&CanonicalRecord{}, &CanonicalLineage{},
		&FormulaDefinition{}, &FormulaExecutionLog{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
