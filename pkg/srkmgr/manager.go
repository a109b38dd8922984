package srkmgr

import (
	"crypto/tls"
	"io/ioutil"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/serverlessresearch/srkstore/pkg/azstore"
	"github.com/serverlessresearch/srkstore/pkg/gateway"
	"github.com/serverlessresearch/srkstore/pkg/localobjstore"
	"github.com/serverlessresearch/srkstore/pkg/objects"
	"github.com/serverlessresearch/srkstore/pkg/repositories"
	"github.com/serverlessresearch/srkstore/pkg/s3store"
	"github.com/serverlessresearch/srkstore/pkg/srk"
	"github.com/serverlessresearch/srkstore/pkg/tenant"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type SrkManager struct {
	Provider     *srk.Provider
	Logger       srk.Logger
	Cfg          *viper.Viper
	Repositories *repositories.Manager
	Objects      *objects.Manager
}

// NewManager reads the configuration and wires the blob store, managers and
// authorizer together. Recognized options:
//   "config-file": path to a config file (string)
//   "logger": a srk.Logger to use instead of building one from config
//   "settings": map[string]interface{} of config keys that override
//     everything else
func NewManager(userCfg map[string]interface{}) (*SrkManager, error) {
	var err error
	mgr := &SrkManager{}

	if cfgPathRaw, ok := userCfg["config-file"]; ok {
		if cfgPath, ok := cfgPathRaw.(string); ok {
			err = mgr.initConfig(&cfgPath)
		} else {
			return nil, errors.New("option 'config-file' must be of type string")
		}
	} else {
		err = mgr.initConfig(nil)
	}
	if err != nil {
		return nil, err
	}

	if settingsRaw, ok := userCfg["settings"]; ok {
		settings, ok := settingsRaw.(map[string]interface{})
		if !ok {
			return nil, errors.New("option 'settings' must be of type map[string]interface{}")
		}
		for k, v := range settings {
			mgr.Cfg.Set(k, v)
		}
	}

	if loggerRaw, ok := userCfg["logger"]; ok {
		if logger, ok := loggerRaw.(srk.Logger); ok {
			mgr.Logger = logger
		} else {
			return nil, errors.New("option 'logger' must satisfy srk.Logger")
		}
	} else {
		mgr.Logger, err = mgr.newLogger()
		if err != nil {
			return nil, err
		}
	}

	mgr.Provider = &srk.Provider{}
	if err = mgr.initBlobService(); err != nil {
		return nil, err
	}

	authz := tenant.NewAuthorizer(mgr.Logger.WithField("module", "authz"), mgr.Provider.Blobs)
	mgr.Repositories = repositories.NewManager(mgr.Logger.WithField("module", "repositories"), mgr.Provider.Blobs, authz)

	spillDir := mgr.Cfg.GetString("upload.spillDir")
	if spillDir != "" {
		if err := os.MkdirAll(spillDir, 0700); err != nil {
			return nil, errors.Wrap(err, "Failed to create spill directory at "+spillDir)
		}
	}
	mgr.Objects = objects.NewManager(mgr.Logger.WithField("module", "objects"), mgr.Provider.Blobs, authz, objects.Config{
		SpillDir:        spillDir,
		MemoryThreshold: mgr.Cfg.GetInt64("upload.memoryThreshold"),
		MaxUploadBytes:  mgr.Cfg.GetInt64("upload.maxBytes"),
	})

	return mgr, nil
}

func (self *SrkManager) initConfig(cfgPath *string) error {
	// This is a private viper context just for srkstore (so as not to conflict
	// with the importer's usage).
	self.Cfg = viper.New()

	self.Cfg.SetDefault("listen", "localhost:8080")
	self.Cfg.SetDefault("log.level", "info")
	self.Cfg.SetDefault("log.format", "text")

	self.Cfg.SetDefault("auth.mode", gateway.AuthModeHMAC)
	self.Cfg.SetDefault("auth.tenantClaim", srk.MetadataTenantID)
	self.Cfg.SetDefault("auth.rolesClaim", "groups")

	self.Cfg.SetDefault("upload.maxBytes", int64(1)<<30)
	self.Cfg.SetDefault("upload.memoryThreshold", int64(8)<<20)
	self.Cfg.SetDefault("upload.spillDir", "")

	self.Cfg.SetDefault("default-provider", "local")
	self.Cfg.SetDefault("providers.local.blob", "local")
	self.Cfg.SetDefault("providers.aws.blob", "s3")
	self.Cfg.SetDefault("providers.azure.blob", "azure")
	self.Cfg.SetDefault("service.blob.local.dir", "./build/blobs")

	// Order of precedence: ENV, srkstore.yaml, "us-west-2"
	self.Cfg.SetDefault("service.blob.s3.region", "us-west-2")
	self.Cfg.BindEnv("service.blob.s3.region", "AWS_DEFAULT_REGION")
	self.Cfg.BindEnv("service.blob.azure.tenantID", "AZURE_TENANT_ID")
	self.Cfg.BindEnv("service.blob.azure.clientID", "AZURE_CLIENT_ID")
	self.Cfg.BindEnv("service.blob.azure.clientSecret", "AZURE_CLIENT_SECRET")

	// Anything else can be set as SRKSTORE_<KEY>, e.g. SRKSTORE_AUTH_SECRET.
	self.Cfg.SetEnvPrefix("srkstore")
	self.Cfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	self.Cfg.AutomaticEnv()

	if cfgPath != nil {
		// Use config file from the flag.
		self.Cfg.SetConfigFile(*cfgPath)
	} else {
		// default search path for config is ./configs/srkstore.* (* can be json, yaml, etc)
		self.Cfg.AddConfigPath("./configs")
		self.Cfg.SetConfigName("srkstore")
	}

	if err := self.Cfg.ReadInConfig(); err != nil {
		// Only an explicitly requested file has to exist.
		if _, notFound := err.(viper.ConfigFileNotFoundError); notFound && cfgPath == nil {
			return nil
		}
		return errors.Wrap(err, "Failed to load config")
	}
	return nil
}

func (self *SrkManager) newLogger() (srk.Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(self.Cfg.GetString("log.level"))
	if err != nil {
		return nil, errors.Wrap(err, "Invalid log.level")
	}
	logger.SetLevel(level)

	switch self.Cfg.GetString("log.format") {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, errors.New("Unrecognized log.format: " + self.Cfg.GetString("log.format"))
	}
	return logger, nil
}

func (self *SrkManager) initBlobService() error {
	// Setup the default blob service
	providerName := self.Cfg.GetString("default-provider")
	if providerName == "" {
		return errors.New("No default provider in configuration")
	}

	serviceName := self.Cfg.GetString("providers." + providerName + ".blob")
	if serviceName == "" {
		return errors.New("Provider \"" + providerName + "\" does not provide a blob service")
	}

	var err error = nil
	switch serviceName {
	case "local":
		self.Provider.Blobs, err = localobjstore.NewConfig(
			self.Logger.WithField("module", "blob.local"),
			self.Cfg.GetString("service.blob.local.dir"))
	case "s3":
		self.Provider.Blobs, err = s3store.NewConfig(
			self.Logger.WithField("module", "blob.s3"),
			s3store.Config{
				Region:         self.Cfg.GetString("service.blob.s3.region"),
				Endpoint:       self.Cfg.GetString("service.blob.s3.endpoint"),
				ForcePathStyle: self.Cfg.GetBool("service.blob.s3.forcePathStyle"),
			})
	case "azure":
		self.Provider.Blobs, err = azstore.NewConfig(
			self.Logger.WithField("module", "blob.azure"),
			azstore.Config{
				Endpoint:     self.Cfg.GetString("service.blob.azure.endpoint"),
				TenantID:     self.Cfg.GetString("service.blob.azure.tenantID"),
				ClientID:     self.Cfg.GetString("service.blob.azure.clientID"),
				ClientSecret: self.Cfg.GetString("service.blob.azure.clientSecret"),
			})
	default:
		return errors.New("Unrecognized blob service: " + serviceName)
	}

	if err != nil {
		return errors.Wrap(err, "Failed to initialize service "+serviceName)
	}
	return nil
}

// AuthConfig collects the token verification settings.
func (self *SrkManager) AuthConfig() (gateway.AuthConfig, error) {
	cfg := gateway.AuthConfig{
		Mode:        self.Cfg.GetString("auth.mode"),
		Secret:      []byte(self.Cfg.GetString("auth.secret")),
		TenantClaim: self.Cfg.GetString("auth.tenantClaim"),
		RolesClaim:  self.Cfg.GetString("auth.rolesClaim"),
	}
	if keyFile := self.Cfg.GetString("auth.publicKeyFile"); keyFile != "" {
		pem, err := ioutil.ReadFile(keyFile)
		if err != nil {
			return cfg, errors.Wrap(err, "Failed to read auth.publicKeyFile")
		}
		cfg.PublicKeyPEM = pem
	}
	return cfg, nil
}

// NewServer builds the HTTP gateway on top of this manager. cert may be nil.
func (self *SrkManager) NewServer(cert *tls.Certificate) (*gateway.Server, error) {
	authCfg, err := self.AuthConfig()
	if err != nil {
		return nil, err
	}
	auth, err := gateway.NewAuthenticator(self.Logger.WithField("module", "auth"), authCfg)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to initialize authentication")
	}

	return gateway.NewServer(
		self.Logger.WithField("module", "gateway"),
		gateway.Config{Addr: self.Cfg.GetString("listen"), TLS: cert},
		self.Repositories,
		self.Objects,
		auth), nil
}
