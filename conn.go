package docstore

import (
	"context"
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/mongo"
	mongoOptions "go.mongodb.org/mongo-driver/mongo/options"
)

// Config collects the connection settings for every supported backend.
// Backend selects which one a caller should wire up: "memory", "couchbase",
// "mongo" or "postgres".
type Config struct {
	Backend     string
	CallTimeout time.Duration
	Couchbase   CouchbaseConfig
	Mongo       MongoConfig
	Postgres    PGConfig
}

var supportedBackends = []string{"memory", "couchbase", "mongo", "postgres"}

// Validate reports an unknown Backend value before any dialing happens.
func (c Config) Validate() error {
	if !SliceContains(supportedBackends, c.Backend) {
		return fmt.Errorf("unsupported backend %q", c.Backend)
	}

	return nil
}

type CouchbaseConfig struct {
	ConnStr    string
	Username   string
	Password   string
	Bucket     string
	Scope      string
	Collection string
}

type MongoConfig struct {
	URI        string
	Database   string
	Collection string
}

type PGConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
	Table    string
}

// LoadConfigFromEnv reads the DOCSTORE_* environment variables, with an
// optional .env file for local development.
func LoadConfigFromEnv() Config {
	_ = godotenv.Load()

	viper.AutomaticEnv()

	viper.SetDefault("DOCSTORE_BACKEND", "memory")
	viper.SetDefault("DOCSTORE_CALL_TIMEOUT", "5s")
	viper.SetDefault("DOCSTORE_COUCHBASE_SCOPE", "_default")
	viper.SetDefault("DOCSTORE_COUCHBASE_COLLECTION", "_default")
	viper.SetDefault("DOCSTORE_MONGO_COLLECTION", "documents")
	viper.SetDefault("DOCSTORE_PG_HOST", "localhost")
	viper.SetDefault("DOCSTORE_PG_PORT", "5432")
	viper.SetDefault("DOCSTORE_PG_TABLE", "documents")

	return Config{
		Backend:     viper.GetString("DOCSTORE_BACKEND"),
		CallTimeout: viper.GetDuration("DOCSTORE_CALL_TIMEOUT"),
		Couchbase: CouchbaseConfig{
			ConnStr:    viper.GetString("DOCSTORE_COUCHBASE_CONNSTR"),
			Username:   viper.GetString("DOCSTORE_COUCHBASE_USERNAME"),
			Password:   viper.GetString("DOCSTORE_COUCHBASE_PASSWORD"),
			Bucket:     viper.GetString("DOCSTORE_COUCHBASE_BUCKET"),
			Scope:      viper.GetString("DOCSTORE_COUCHBASE_SCOPE"),
			Collection: viper.GetString("DOCSTORE_COUCHBASE_COLLECTION"),
		},
		Mongo: MongoConfig{
			URI:        viper.GetString("DOCSTORE_MONGO_URI"),
			Database:   viper.GetString("DOCSTORE_MONGO_DATABASE"),
			Collection: viper.GetString("DOCSTORE_MONGO_COLLECTION"),
		},
		Postgres: PGConfig{
			Host:     viper.GetString("DOCSTORE_PG_HOST"),
			Port:     viper.GetString("DOCSTORE_PG_PORT"),
			Database: viper.GetString("DOCSTORE_PG_DATABASE"),
			User:     viper.GetString("DOCSTORE_PG_USER"),
			Password: viper.GetString("DOCSTORE_PG_PASSWORD"),
			Table:    viper.GetString("DOCSTORE_PG_TABLE"),
		},
	}
}

// ConnectCouchbase opens a cluster connection and waits for the bucket to be
// ready.
func ConnectCouchbase(config CouchbaseConfig) (*gocb.Bucket, error) {
	cluster, err := gocb.Connect(config.ConnStr, gocb.ClusterOptions{
		Authenticator: gocb.PasswordAuthenticator{
			Username: config.Username,
			Password: config.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	bucket := cluster.Bucket(config.Bucket)
	if err := bucket.WaitUntilReady(10*time.Second, nil); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	return bucket, nil
}

// ConnectMongo dials the server and verifies the connection with a ping.
func ConnectMongo(ctx context.Context, config MongoConfig) (*mongo.Database, error) {
	client, err := mongo.Connect(ctx, mongoOptions.Client().ApplyURI(config.URI))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	return client.Database(config.Database), nil
}

// ConnectPostgres opens a pgx-backed sqlx pool.
func ConnectPostgres(config PGConfig) (*sqlx.DB, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		config.User, config.Password, config.Host, config.Port, config.Database)
	return sqlx.Open("pgx", connStr)
}
