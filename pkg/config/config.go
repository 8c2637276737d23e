package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Etcd    EtcdConfig    `mapstructure:"etcd"`
	Redis   RedisConfig   `mapstructure:"redis"`
	MySQL   MySQLConfig   `mapstructure:"mysql"`
	MongoDB MongoDBConfig `mapstructure:"mongodb"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	GRPC    GRPCConfig    `mapstructure:"grpc"`
	Log     LogConfig     `mapstructure:"log"`
	Shop    ShopConfig    `mapstructure:"shop"`
	Payment PaymentConfig `mapstructure:"payment"`
	SMS     SMSConfig     `mapstructure:"sms"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Catalog CatalogConfig `mapstructure:"catalog"`
}

type ServerConfig struct {
	Name string `mapstructure:"name"`
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Prefix      string        `mapstructure:"prefix"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	PoolSize int           `mapstructure:"pool_size"`
	OrderTTL time.Duration `mapstructure:"order_ttl"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
}

type MongoDBConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

type GatewayConfig struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

type GRPCConfig struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

type LogConfig struct {
	Level       string   `mapstructure:"level"`
	Encoding    string   `mapstructure:"encoding"`
	OutputPaths []string `mapstructure:"output_paths"`
}

// ShopConfig holds the pricing policy applied at order creation.
type ShopConfig struct {
	Currency              string  `mapstructure:"currency"`
	DeliveryFee           float64 `mapstructure:"delivery_fee"`
	FreeShippingThreshold float64 `mapstructure:"free_shipping_threshold"`
	OrderNumberPrefix     string  `mapstructure:"order_number_prefix"`
}

type PaymentConfig struct {
	Noupai       ProviderConfig `mapstructure:"noupai"`
	Campay       ProviderConfig `mapstructure:"campay"`
	FrontendURL  string         `mapstructure:"frontend_url"`
	APIURL       string         `mapstructure:"api_url"`
	AutoInitiate bool           `mapstructure:"auto_initiate"`
	MaxRetries   int            `mapstructure:"max_retries"`
}

type ProviderConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	InitiateTimeout time.Duration `mapstructure:"initiate_timeout"`
	VerifyTimeout   time.Duration `mapstructure:"verify_timeout"`
}

type SMSConfig struct {
	APIURL  string        `mapstructure:"api_url"`
	APIKey  string        `mapstructure:"api_key"`
	Sender  string        `mapstructure:"sender"`
	DevMode bool          `mapstructure:"dev_mode"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type AuthConfig struct {
	AdminTokens map[string]AdminToken `mapstructure:"admin_tokens"`
}

type AdminToken struct {
	UserID string `mapstructure:"user_id"`
	Role   string `mapstructure:"role"`
}

// CatalogConfig lists the products loaded into the in-memory store when
// no MySQL host is configured.
type CatalogConfig struct {
	Products []ProductSeed `mapstructure:"products"`
}

type ProductSeed struct {
	ID          string  `mapstructure:"id"`
	Name        string  `mapstructure:"name"`
	SKU         string  `mapstructure:"sku"`
	Price       float64 `mapstructure:"price"`
	Stock       int     `mapstructure:"stock"`
	MadeToOrder bool    `mapstructure:"made_to_order"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "shop-api")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("gateway.host", "0.0.0.0")
	v.SetDefault("gateway.port", 8080)
	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 50060)
	v.SetDefault("etcd.dial_timeout", 5)
	v.SetDefault("etcd.prefix", "/shopcore/")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.order_ttl", 10*time.Minute)
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.max_idle_conns", 5)
	v.SetDefault("mysql.max_open_conns", 20)
	v.SetDefault("mongodb.collection", "audit_logs")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("log.output_paths", []string{"stdout"})
	v.SetDefault("shop.currency", "XAF")
	v.SetDefault("shop.delivery_fee", 2000)
	v.SetDefault("shop.free_shipping_threshold", 25000)
	v.SetDefault("shop.order_number_prefix", "BC")
	v.SetDefault("payment.noupai.base_url", "https://api.noupai.com")
	v.SetDefault("payment.noupai.initiate_timeout", 30*time.Second)
	v.SetDefault("payment.noupai.verify_timeout", 15*time.Second)
	v.SetDefault("payment.campay.base_url", "https://api.campay.net")
	v.SetDefault("payment.campay.initiate_timeout", 30*time.Second)
	v.SetDefault("payment.campay.verify_timeout", 15*time.Second)
	v.SetDefault("payment.max_retries", 3)
	v.SetDefault("sms.sender", "BabyChic")
	v.SetDefault("sms.timeout", 10*time.Second)
}

func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// SHOP_PAYMENT_NOUPAI_API_KEY overrides payment.noupai.api_key
	v.SetEnvPrefix("shop")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func (c *MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.Username, c.Password, c.Host, c.Port, c.Database)
}

// Configured reports whether a credentialed provider may be called at all.
func (p ProviderConfig) Configured() bool {
	return p.Enabled && p.APIKey != ""
}
