package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	fotacore "github.com/lwm2mcore/fotacore"
	"github.com/lwm2mcore/fotacore/pkg/credentials"
)

// fileSink writes BINARY-section bytes straight to a file alongside the
// workspace database, standing in for whatever platform flash-write API a
// real agent would call.
type fileSink struct {
	f *os.File
}

func openFileSink(path string) (*fileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &fileSink{f: f}, nil
}

func (s *fileSink) WritePackageData(p []byte) error {
	_, err := s.f.Write(p)
	return err
}

func (s *fileSink) Close() error {
	return s.f.Close()
}

// loadCredentials builds a credentials.Static from the fw-public-key and
// sw-public-key flags, if set. Either, both, or neither may be present;
// missing slots surface as a validation error only if a verification
// actually needs them (§4.E).
func loadCredentials() (credentials.Static, error) {
	store := credentials.Static{}

	if path := viper.GetString("fw-public-key"); path != "" {
		der, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		store[credentials.FWPublicKey] = der
	}
	if path := viper.GetString("sw-public-key"); path != "" {
		der, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		store[credentials.SWPublicKey] = der
	}
	return store, nil
}

// binaryPath derives the package output path from the configured workspace
// database path.
func binaryPath() string {
	return viper.GetString("workspace") + ".bin"
}

// openCore builds a Core from the current viper configuration and wires a
// logrus-backed event callback reporting download-lifecycle events on the
// command line.
func openCore() (*fotacore.Core, *fileSink, error) {
	creds, err := loadCredentials()
	if err != nil {
		return nil, nil, err
	}
	sink, err := openFileSink(binaryPath())
	if err != nil {
		return nil, nil, err
	}

	opts := fotacore.Options{
		UserAgent:   viper.GetString("user-agent"),
		InsecureTLS: viper.GetBool("insecure-tls"),
	}

	core, err := fotacore.New(viper.GetString("workspace"), creds, sink, nil, opts)
	if err != nil {
		sink.Close()
		return nil, nil, err
	}

	core.OnEvent(func(ev fotacore.Event) {
		switch ev.Kind {
		case fotacore.DownloadProgress:
			logrus.WithField("percent", ev.Percent).Info(ev.Kind.String())
		case fotacore.DownloadFailed, fotacore.SessionFailed:
			logrus.WithField("reason", ev.Reason).Warn(ev.Kind.String())
		default:
			logrus.Info(ev.Kind.String())
		}
	})

	return core, sink, nil
}
