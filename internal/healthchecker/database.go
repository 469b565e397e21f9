package healthchecker

import (
	"context"

	"github.com/shopfront/autopilot/internal/database"
)

func CheckDB(ctx context.Context) error {
	dbConn, err := database.NewDatabase()
	if err != nil {
		return err
	}

	sqlDB, err := dbConn.DB()
	if err != nil {
		return err
	}

	defer func() {
		_ = sqlDB.Close()
	}()

	return sqlDB.PingContext(ctx)
}
