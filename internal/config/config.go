package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DatabaseDSN string
	Redis       RedisConfig
	Kafka       KafkaConfig
	Bot         BotConfig
	Fetch       FetchConfig
	LogPath     string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type BotConfig struct {
	Token         string
	AdminChatID   int64
	AdhocCooldown time.Duration
}

type FetchConfig struct {
	BaseURL        string
	ProxyURL       string
	RequestTimeout time.Duration
	IdentitiesPath string
}

// IdentityProfile is one browser header set the fetcher can present.
type IdentityProfile struct {
	Name    string            `yaml:"name"`
	Headers map[string]string `yaml:"headers"`
}

type identitiesFile struct {
	Identities []IdentityProfile `yaml:"identities"`
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Env file is not found")
	}

	return &Config{
		DatabaseDSN: getEnv("DATABASE_DSN", "host=localhost user=postgres password=password dbname=plot_stats port=5432 sslmode=disable"),
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
			Topic:   getEnv("KAFKA_TOPIC", "plot-stats-events"),
		},
		Bot: BotConfig{
			Token:         os.Getenv("BOT_TOKEN"),
			AdminChatID:   int64(getEnvInt("ADMIN_CHAT_ID", 0)),
			AdhocCooldown: getEnvDuration("ADHOC_COOLDOWN", 5*time.Minute),
		},
		Fetch: FetchConfig{
			BaseURL:        strings.TrimSuffix(getEnv("BASE_URL", "https://www.otodom.pl"), "/"),
			ProxyURL:       os.Getenv("PROXY_URL"),
			RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
			IdentitiesPath: getEnv("IDENTITIES_PATH", "config/identities.yaml"),
		},
		LogPath: getEnv("LOG_PATH", "scanner.log"),
	}
}

// LoadIdentities reads identity profiles from a YAML file. A missing file
// yields the built-in profiles; placeholders {base_url} and {host} in header
// values are expanded.
func LoadIdentities(path, baseURL string) ([]IdentityProfile, error) {
	profiles := DefaultIdentities()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identities: %w", err)
	}
	if err == nil {
		var file identitiesFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse identities: %w", err)
		}
		if len(file.Identities) == 0 {
			return nil, fmt.Errorf("parse identities: %s has no profiles", path)
		}
		profiles = file.Identities
	}

	host := strings.TrimPrefix(strings.TrimPrefix(baseURL, "https://"), "http://")
	replacer := strings.NewReplacer("{base_url}", baseURL, "{host}", host)
	for i := range profiles {
		expanded := make(map[string]string, len(profiles[i].Headers))
		for k, v := range profiles[i].Headers {
			expanded[k] = replacer.Replace(v)
		}
		profiles[i].Headers = expanded
	}

	return profiles, nil
}

func DefaultIdentities() []IdentityProfile {
	chrome := func(name, ua string) IdentityProfile {
		return IdentityProfile{
			Name: name,
			Headers: map[string]string{
				"User-Agent":         ua,
				"Referer":            "{base_url}",
				"Sec-Ch-Ua-Platform": `"Linux"`,
				"Sec-Ch-Ua-Mobile":   "?0",
				"Sec-Ch-Ua":          `"Not.A/Brand";v="8", "Chromium";v="114", "Google Chrome";v="114"`,
				"Accept-Language":    "en-US,en;q=0.9",
				"Accept-Encoding":    "gzip, deflate",
				"Accept":             "*/*",
				"X-Nextjs-Data":      "1",
			},
		}
	}
	firefox := func(name, ua string) IdentityProfile {
		return IdentityProfile{
			Name: name,
			Headers: map[string]string{
				"User-Agent":      ua,
				"Accept":          "*/*",
				"Accept-Language": "en-US,en;q=0.5",
				"Accept-Encoding": "gzip, deflate",
				"Referer":         "{base_url}",
				"X-Nextjs-Data":   "1",
				"Alt-Used":        "{host}",
				"Sec-Fetch-Dest":  "empty",
				"Sec-Fetch-Mode":  "cors",
				"Sec-Fetch-Site":  "same-origin",
			},
		}
	}

	return []IdentityProfile{
		chrome("chrome-125-linux", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36"),
		chrome("chrome-124-linux", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"),
		chrome("chrome-124-mac", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"),
		chrome("chrome-123-linux", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"),
		firefox("firefox-125-ubuntu", "Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0"),
		firefox("firefox-125-mac", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:125.0) Gecko/20100101 Firefox/125.0"),
		firefox("firefox-126-linux", "Mozilla/5.0 (X11; Linux x86_64; rv:126.0) Gecko/20100101 Firefox/126.0"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
