package main

import (
	"os"
	"regexp"
	"strings"
)

const defaultDephealthName = "distribution-module"

var (
	// <deployment>-<replicaset hash>-<pod suffix>
	deploymentPod = regexp.MustCompile(`^(.+)-[0-9a-f]{6,10}-[0-9a-z]{5}$`)
	// <statefulset>-<ordinal>
	statefulSetPod = regexp.MustCompile(`^(.+)-\d+$`)
)

// dephealthName — имя вершины графа зависимостей. DEPHEALTH_NAME имеет
// приоритет, иначе имя владельца пода, выведенное из hostname.
func dephealthName() string {
	if name := strings.TrimSpace(os.Getenv("DEPHEALTH_NAME")); name != "" {
		return name
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return defaultDephealthName
	}
	return parseOwnerName(host)
}

// parseOwnerName извлекает имя Deployment или StatefulSet из имени пода.
// Имя, не подходящее ни под один шаблон, возвращается как есть.
func parseOwnerName(hostname string) string {
	if m := deploymentPod.FindStringSubmatch(hostname); m != nil {
		return m[1]
	}
	if m := statefulSetPod.FindStringSubmatch(hostname); m != nil {
		return m[1]
	}
	return hostname
}
