package main // createsu provisions the initial superuser account

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/stellarpoints/loyalty-api/internal/config"
	"github.com/stellarpoints/loyalty-api/internal/database"
	"github.com/stellarpoints/loyalty-api/internal/model"
	"github.com/stellarpoints/loyalty-api/internal/repository"
	"github.com/stellarpoints/loyalty-api/internal/utils"
)

var utoridPattern = regexp.MustCompile(`^[a-z0-9]{7,8}$`)

// createsu creates a verified SUPERUSER account directly in the
// database. It exists because every other way of granting SUPERUSER
// requires an existing superuser.
//
//	createsu -utorid clive123 -email clive@example.com -name "Clive" -password secret123
func main() {
	utorid := flag.String("utorid", "", "account handle (7-8 alphanumerics)")
	email := flag.String("email", "", "email address")
	name := flag.String("name", "", "display name")
	password := flag.String("password", "", "initial password (8-20 characters)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}
	cfg := config.Load()

	id := strings.ToLower(strings.TrimSpace(*utorid))
	if !utoridPattern.MatchString(id) {
		fmt.Fprintln(os.Stderr, "utorid must be 7-8 alphanumeric characters")
		os.Exit(2)
	}
	if !strings.Contains(*email, "@") || strings.TrimSpace(*name) == "" {
		fmt.Fprintln(os.Stderr, "valid -email and -name required")
		os.Exit(2)
	}
	if len(*password) < 8 || len(*password) > 20 {
		fmt.Fprintln(os.Stderr, "password must be 8-20 characters")
		os.Exit(2)
	}

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	hash, err := utils.HashPassword(*password, cfg.BcryptCost)
	if err != nil {
		log.Fatalf("hash password: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	accounts := repository.NewAccountRepo(db)
	uid, err := accounts.Create(ctx, id, strings.TrimSpace(*name), *email, hash, model.RoleSuperuser)
	if err != nil {
		log.Fatalf("create account: %v", err)
	}
	if err := accounts.SetVerified(ctx, uid); err != nil {
		log.Fatalf("verify account: %v", err)
	}

	fmt.Printf("created superuser %s (id=%d)\n", id, uid)
}
