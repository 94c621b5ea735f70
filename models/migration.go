package models

import (
	"log"

	"bitbucket.org/mmdatafocus/members_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Contact{}, &Employment{}, &Payment{}, &Registration{}, &Member{},
		&SyncConnection{}, &SyncRun{}, &SyncProblem{},
		&User{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
