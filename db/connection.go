package db

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"chorus/presence-service/models"
)

// NotifyChannel is the Postgres channel the presence trigger notifies on.
const NotifyChannel = "presence_changes"

// Connect establishes a connection to the PostgreSQL database
func Connect(dsn, environment string) (*gorm.DB, error) {
	// Configure GORM logger
	var gormLogger logger.Interface
	if environment == "production" {
		gormLogger = logger.Default.LogMode(logger.Silent)
	} else {
		gormLogger = logger.Default.LogMode(logger.Warn)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// Close releases the pool behind db.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate creates the presence table and the row trigger that feeds the
// change channel. Run it with the admin connection.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.PresenceRecord{}); err != nil {
		return fmt.Errorf("failed to migrate %T: %w", models.PresenceRecord{}, err)
	}

	for _, stmt := range triggerStatements() {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to install presence trigger: %w", err)
		}
	}

	return nil
}

func triggerStatements() []string {
	table := models.PresenceRecord{}.TableName()
	return []string{
		`CREATE OR REPLACE FUNCTION notify_presence_change() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('` + NotifyChannel + `', TG_OP);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS ` + table + `_notify ON ` + table,
		// Row level so a statement that touches no rows stays silent. Postgres
		// folds identical notifications within a transaction into one.
		`CREATE TRIGGER ` + table + `_notify AFTER INSERT OR UPDATE OR DELETE ON ` + table +
			` FOR EACH ROW EXECUTE FUNCTION notify_presence_change()`,
	}
}
