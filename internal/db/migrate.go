package db

import (
	"fmt"

	"github.com/postreach/viewpool/internal/models"
	"gorm.io/gorm"
)

// Migrate creates or updates every table owned by the pool.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	if errMigrate := conn.AutoMigrate(
		&models.Proxy{},
		&models.Account{},
		&models.AccountPostView{},
		&models.AccountPostReservation{},
		&models.ViewTask{},
		&models.AccountImport{},
		&models.Setting{},
	); errMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errMigrate)
	}
	return nil
}
