package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"profilehub/internal/httpapi"
	"profilehub/internal/server"
	"profilehub/pkg/config"
	"profilehub/pkg/db"
	"profilehub/pkg/logger"
	"profilehub/pkg/queue"
	"profilehub/pkg/redis"
	"profilehub/services/identity"
	"profilehub/services/invitation"
	"profilehub/services/notification"
	"profilehub/services/orcid"
	syncsvc "profilehub/services/sync"
	"profilehub/services/task"
	"profilehub/services/webhook"
)

func main() {
	fx.New(
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		queue.Client,
		queue.Server,
		queue.Scheduler,

		fx.Provide(newSnowflakeNode),

		identity.Module,
		notification.Module,
		invitation.Module,
		orcid.Module,
		syncsvc.Module,
		task.Module,
		webhook.Module,

		httpapi.Module,
		server.Module,

		fx.Invoke(migrate),
	).Run()
}

func newSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func migrate(conn *gorm.DB) {
	err := conn.AutoMigrate(
		&identity.Organisation{},
		&identity.User{},
		&identity.UserOrg{},
		&identity.OrcidToken{},
		&invitation.UserInvitation{},
		&syncsvc.Task{},
		&syncsvc.Record{},
		&syncsvc.Invitee{},
	)
	if err != nil {
		zap.L().Fatal("auto migration failed", zap.Error(err))
	}
}
