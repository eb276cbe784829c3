package inspector

import "github.com/bigkaa/goartstore/distribution-module/internal/domain/model"

// Classify определяет класс распространения по provisioning profile.
// Порядок проверок фиксирован:
//  1. профиля нет → appStore
//  2. get-task-allow → developmentBuild
//  3. ProvisionsAllDevices → enterprise
//  4. непустой ProvisionedDevices → adHoc
//  5. иначе → appStore
//
// Профиль может одновременно иметь get-task-allow и ProvisionsAllDevices;
// тогда побеждает developmentBuild.
func Classify(t *TrustArtifact) model.DistributionClass {
	switch {
	case t == nil:
		return model.DistributionAppStore
	case t.AllowDebugAttach:
		return model.DistributionDevelopment
	case t.ProvisionsAllDevices:
		return model.DistributionEnterprise
	case len(t.ProvisionedDevices) > 0:
		return model.DistributionAdHoc
	default:
		return model.DistributionAppStore
	}
}
