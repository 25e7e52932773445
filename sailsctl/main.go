package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"github.com/sailsgrid/sails-go/sails"
)

const SailsCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Sails blueprint control.

The api url defaults to the sailsctl config file (see sailsctl.yml),
then the SAILSCTL_API_URL environment variable.

Usage:
    sailsctl login [--api_url=<api_url>] --user_auth=<user_auth> [--password=<password>]
    sailsctl list <model> [--api_url=<api_url>] [--jwt=<jwt>]
        [--where=<where>] [--limit=<limit>] [--skip=<skip>] [--sort=<sort>]
    sailsctl get <model> <id> [--api_url=<api_url>] [--jwt=<jwt>]
    sailsctl create <model> <attributes> [--api_url=<api_url>] [--jwt=<jwt>]
    sailsctl update <model> <id> <attributes> [--api_url=<api_url>] [--jwt=<jwt>]
    sailsctl destroy <model> <id> [--api_url=<api_url>] [--jwt=<jwt>]
    sailsctl watch <model> [<id>...] [--api_url=<api_url>] [--jwt=<jwt>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --api_url=<api_url>
    --jwt=<jwt>            Your bearer JWT.
    --user_auth=<user_auth>
    --password=<password>  Prompted when omitted.
    --where=<where>        Filter as a JSON object.
    --limit=<limit>
    --skip=<skip>
    --sort=<sort>          e.g. "createdAt DESC".
    <attributes>           Record attributes as a JSON object.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SailsCtlVersion)
	if err != nil {
		panic(err)
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if list_, _ := opts.Bool("list"); list_ {
		list(opts)
	} else if get_, _ := opts.Bool("get"); get_ {
		get(opts)
	} else if create_, _ := opts.Bool("create"); create_ {
		create(opts)
	} else if update_, _ := opts.Bool("update"); update_ {
		update(opts)
	} else if destroy_, _ := opts.Bool("destroy"); destroy_ {
		destroy(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

func newApi(opts docopt.Opts) *sails.BlueprintApi {
	config := loadConfig(opts)

	api := sails.NewBlueprintApi(config.ApiUrl)
	if config.ByJwt != "" {
		if byJwt, err := sails.ParseByJwtUnverified(config.ByJwt); err == nil && byJwt.IsExpired() {
			Err.Printf("JWT is expired. Log in again.")
		}
		api.SetByJwt(config.ByJwt)
	}
	return api
}

func login(opts docopt.Opts) {
	config := loadConfig(opts)
	userAuth, _ := opts.String("--user_auth")

	password, _ := opts.String("--password")
	if password == "" {
		fmt.Print("Password: ")
		passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			Err.Printf("Could not read password (%s).", err)
			return
		}
		password = string(passwordBytes)
	}

	api := sails.NewBlueprintApi(config.ApiUrl)
	defer api.Close()

	body, err := api.PostSync(
		context.Background(),
		"/auth/login",
		sails.Record{
			"user_auth": userAuth,
			"password":  password,
		},
	)
	if err != nil {
		Err.Printf("Login error (%s).", err)
		return
	}
	result := struct {
		ByJwt string `json:"by_jwt"`
	}{}
	if err := json.Unmarshal(body, &result); err != nil || result.ByJwt == "" {
		Err.Printf("Login response missing by_jwt.")
		return
	}
	Out.Printf("%s", result.ByJwt)
}

func list(opts docopt.Opts) {
	model, _ := opts.String("<model>")

	query := &sails.Query{}
	if whereJson, _ := opts.String("--where"); whereJson != "" {
		where := map[string]any{}
		if err := json.Unmarshal([]byte(whereJson), &where); err != nil {
			Err.Printf("Invalid where (%s).", err)
			return
		}
		query.Where = where
	}
	if limitStr, _ := opts.String("--limit"); limitStr != "" {
		query.Limit, _ = strconv.Atoi(limitStr)
	}
	if skipStr, _ := opts.String("--skip"); skipStr != "" {
		query.Skip, _ = strconv.Atoi(skipStr)
	}
	query.Sort, _ = opts.String("--sort")

	api := newApi(opts)
	defer api.Close()

	records, err := api.FindAllSync(context.Background(), model, query)
	if err != nil {
		Err.Printf("List error (%s).", err)
		return
	}
	printJson(records)
}

func get(opts docopt.Opts) {
	model, _ := opts.String("<model>")
	id, _ := opts.String("<id>")

	api := newApi(opts)
	defer api.Close()

	record, err := api.FindRecordSync(context.Background(), model, id)
	if err != nil {
		Err.Printf("Get error (%s).", err)
		return
	}
	printJson(record)
}

func create(opts docopt.Opts) {
	model, _ := opts.String("<model>")
	attributes, ok := parseAttributes(opts)
	if !ok {
		return
	}

	api := newApi(opts)
	defer api.Close()

	record, err := api.CreateRecordSync(context.Background(), model, attributes)
	if err != nil {
		printApiError("Create", err)
		return
	}
	printJson(record)
}

func update(opts docopt.Opts) {
	model, _ := opts.String("<model>")
	id, _ := opts.String("<id>")
	attributes, ok := parseAttributes(opts)
	if !ok {
		return
	}

	api := newApi(opts)
	defer api.Close()

	record, err := api.UpdateRecordSync(context.Background(), model, id, attributes)
	if err != nil {
		printApiError("Update", err)
		return
	}
	printJson(record)
}

func destroy(opts docopt.Opts) {
	model, _ := opts.String("<model>")
	id, _ := opts.String("<id>")

	api := newApi(opts)
	defer api.Close()

	err := api.DestroyRecordSync(context.Background(), model, id)
	if err != nil {
		Err.Printf("Destroy error (%s).", err)
		return
	}
	Out.Printf("destroyed %s %s", model, id)
}

// stream record events to stdout until interrupted
func watch(opts docopt.Opts) {
	config := loadConfig(opts)
	model, _ := opts.String("<model>")
	ids := stringList(opts, "<id>")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := sails.NewClientWithDefaults(cancelCtx, config.ApiUrl)
	defer client.Close()
	if config.ByJwt != "" {
		client.SetByJwt(config.ByJwt)
	}

	remove := client.Store().AddChangeCallback(func(change *sails.RecordChange) {
		line := map[string]any{
			"model": change.Model,
			"verb":  change.Verb,
			"id":    change.Id,
		}
		if change.Record != nil {
			line["record"] = change.Record
		}
		printJson(line)
	})
	defer remove()

	client.Sync(model, ids...)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case <-time.After(watchTimeout(config)):
	}
}

func watchTimeout(config *Config) time.Duration {
	if 0 < config.WatchTimeout {
		return config.WatchTimeout
	}
	// effectively forever
	return 365 * 24 * time.Hour
}

func parseAttributes(opts docopt.Opts) (sails.Record, bool) {
	attributesJson, _ := opts.String("<attributes>")
	attributes := sails.Record{}
	if err := json.Unmarshal([]byte(attributesJson), &attributes); err != nil {
		Err.Printf("Invalid attributes (%s).", err)
		return nil, false
	}
	return attributes, true
}

func printApiError(op string, err error) {
	if sails.IsValidation(err) {
		Err.Printf("%s rejected by server validation:", op)
		Err.Printf("  %s", err)
	} else {
		Err.Printf("%s error (%s).", op, err)
	}
}

func printJson(value any) {
	valueJson, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		Err.Printf("Encode error (%s).", err)
		return
	}
	Out.Printf("%s", strings.TrimSpace(string(valueJson)))
}

func stringList(opts docopt.Opts, key string) []string {
	values := []string{}
	if raw, ok := opts[key]; ok {
		if list, ok := raw.([]string); ok {
			values = list
		}
	}
	return values
}
