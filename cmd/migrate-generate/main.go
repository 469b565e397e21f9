package main

import (
	"log"
	"os"
	"os/exec"
	"path/filepath"

	"ariga.io/atlas-provider-gorm/gormschema"
	"github.com/shopfront/autopilot/internal/booking"
	"github.com/shopfront/autopilot/internal/call"
	"github.com/shopfront/autopilot/internal/contact"
	"github.com/shopfront/autopilot/internal/deadletter"
	"github.com/shopfront/autopilot/internal/job"
	"github.com/shopfront/autopilot/internal/messaging"
)

// models lists every table the service owns, in dependency order.
var models = []any{
	&contact.Contact{},
	&messaging.Thread{},
	&messaging.Message{},
	&call.PhoneCall{},
	&booking.Hold{},
	&booking.Appointment{},
	&job.Record{},
	&deadletter.JobDeadLetter{},
}

const minArgs = 2

func main() {
	if len(os.Args) < minArgs {
		log.Fatal("please provide a migration name")
	}

	migrationName := filepath.Base(os.Args[1])

	loader := gormschema.New("postgres")

	schema, err := loader.Load(models...)
	if err != nil {
		log.Fatalf("failed to load gorm schema: %v", err)
	}

	tmp, err := os.CreateTemp("/tmp", "schema-*.sql")
	if err != nil {
		log.Fatal(err)
	}

	defer func() {
		err := os.Remove(tmp.Name())
		if err != nil {
			log.Printf("failed to remove temp file %s: %v", tmp.Name(), err)
		}
	}()

	_, err = tmp.WriteString(schema)
	if err != nil {
		log.Fatal(err)
	}

	err = tmp.Close()
	if err != nil {
		log.Printf("failed to close temp file: %v", err)
	}

	abs, err := filepath.Abs(tmp.Name())
	if err != nil {
		log.Fatal(err)
	}

	cmd := exec.Command(
		"atlas",
		"migrate", "diff",
		migrationName,
		"--to", "file://"+abs,
		"--dev-url", devURL(),
		"--dir", "file://migrations?format=golang-migrate",
	)

	out, err := cmd.CombinedOutput()
	if err != nil {
		log.Fatalf("atlas diff failed: %v\n%s", err, out)
	}

	log.Printf("migration generated successfully:\n%s", out)
}

func devURL() string {
	url := os.Getenv("ATLAS_DEV_URL")
	if url == "" {
		url = "docker://postgres/16-alpine/dev?search_path=public"
	}

	return url
}
